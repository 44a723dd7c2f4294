package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.olrik.dev/chameleon/internal/core"
	"go.olrik.dev/chameleon/internal/journal"
	"go.olrik.dev/chameleon/internal/pm2"
)

func TestProcessRows(t *testing.T) {
	var relay, forger, other pm2.Process
	relay.Name, relay.PID, relay.Env.Status = "mytoken-relay", 100, pm2.StatusOnline
	forger.Name, forger.PID, forger.Env.Status = "mytoken-forger", 101, pm2.StatusStopped
	other.Name, other.PID = "unrelated", 7

	tests := []struct {
		name  string
		token string
		want  [][]string
	}{
		{
			name:  "filtered by token",
			token: "mytoken",
			want: [][]string{
				{"mytoken-relay", "relay", "100", "online"},
				{"mytoken-forger", "forger", "101", "stopped"},
			},
		},
		{
			name:  "no token shows everything",
			token: "",
			want: [][]string{
				{"mytoken-relay", "relay", "100", "online"},
				{"mytoken-forger", "forger", "101", "stopped"},
				{"unrelated", "relay", "7", "unknown"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := processRows(core.Environment{Token: tt.token}, []pm2.Process{relay, forger, other})
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("processRows() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventRows(t *testing.T) {
	now := time.Now()
	events := []journal.Event{
		{RunID: "0123456789abcdef", Process: "mytoken-relay", EventType: journal.EventNetworkStarted, Timestamp: now},
		{RunID: "0123456789abcdef", Process: "mytoken-relay", EventType: journal.EventStarted, Timestamp: now.Add(-time.Second)},
	}

	rows := eventRows(events)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0][3] != journal.EventStarted {
		t.Errorf("rows must be oldest first, got %v", rows[0])
	}
	if rows[0][1] != "01234567" {
		t.Errorf("run id should be shortened, got %q", rows[0][1])
	}
}

func TestRenderTable(t *testing.T) {
	out := renderTable(optionColumns, [][]string{{"port", "4001"}, {"short"}, {"a", "b", "dropped"}})
	for _, want := range []string{"Option", "Value", "port", "4001", "short"} {
		if !strings.Contains(out, want) {
			t.Errorf("table is missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "OPTION") {
		t.Errorf("headers must keep their case:\n%s", out)
	}
	if strings.Contains(out, "dropped") {
		t.Errorf("cells beyond the columns must be dropped:\n%s", out)
	}
	if renderTable(nil, nil) != "" {
		t.Error("a table without columns renders nothing")
	}
}

func TestPeerRows(t *testing.T) {
	events := []journal.Event{
		{Details: "ws://127.0.0.1:4001/ connected attempts=1"},
		{Details: "ws://203.0.113.5:4001/ waiting attempts=3 error=dial tcp: connection refused"},
		{Details: "garbled"},
	}
	want := [][]string{
		{"ws://127.0.0.1:4001/", "connected", "1", ""},
		{"ws://203.0.113.5:4001/", "waiting", "3", "dial tcp: connection refused"},
		{"garbled", "", "", ""},
	}
	if got := peerRows(events); !reflect.DeepEqual(got, want) {
		t.Errorf("peerRows() = %v, want %v", got, want)
	}
}

func setNodeEnv(t *testing.T) (configDir, tempDir string) {
	t.Helper()
	configDir = t.TempDir()
	tempDir = t.TempDir()
	t.Setenv(core.EnvConfigPath, configDir)
	t.Setenv(core.EnvTempPath, tempDir)
	t.Setenv(core.EnvToken, "mytoken")
	t.Setenv(core.EnvNetworkName, "devnet")
	t.Setenv(core.EnvProcessName, "mytoken-relay")
	return configDir, tempDir
}

func TestOptionsCommand(t *testing.T) {
	configDir, tempDir := setNodeEnv(t)
	hcl := `
hostname = "10.0.0.2"

tor {
  enabled = true
  instances {
    min = 20
    max = 0
  }
}
`
	if err := os.WriteFile(filepath.Join(configDir, core.OptionsName), []byte(hcl), 0644); err != nil {
		t.Fatal(err)
	}

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"options", "--format", "json"})
	if err := root.Execute(); err != nil {
		t.Fatalf("options failed: %v", err)
	}

	var options core.Options
	if err := json.Unmarshal(out.Bytes(), &options); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if options.Tor.Instances != (core.Instances{Min: 1, Max: 1}) {
		t.Errorf("instances = %+v, want {1 1}", options.Tor.Instances)
	}
	if !options.Tor.Enabled || options.Hostname != "10.0.0.2" {
		t.Errorf("unexpected options %+v", options)
	}
	if options.Socket != filepath.Join(tempDir, core.SocketName) {
		t.Errorf("socket = %q", options.Socket)
	}
}

func TestOptionsCommand_Text(t *testing.T) {
	setNodeEnv(t)

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"options"})
	if err := root.Execute(); err != nil {
		t.Fatalf("options failed: %v", err)
	}
	for _, want := range []string{"tor.enabled", "false", "127.0.0.1", "4001"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output is missing %q:\n%s", want, out.String())
		}
	}
}

func TestEventsCommand(t *testing.T) {
	_, tempDir := setNodeEnv(t)

	db, err := journal.Open(filepath.Join(tempDir, core.JournalName))
	if err != nil {
		t.Fatal(err)
	}
	db.LogEvent("mytoken-relay", journal.EventConfigInstalled, "/etc/ark/app.js")
	db.Close()

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"events", "-n", "5"})
	if err := root.Execute(); err != nil {
		t.Fatalf("events failed: %v", err)
	}
	if !strings.Contains(out.String(), journal.EventConfigInstalled) {
		t.Errorf("expected the recorded event:\n%s", out.String())
	}
}

func TestStatusCommand(t *testing.T) {
	configDir, tempDir := setNodeEnv(t)

	appJS := "module.exports = { cli: { forger: { run: { plugins: { include: [\"" + core.PluginName + "\"] } } } } };\n"
	if err := os.WriteFile(filepath.Join(configDir, core.AppConfigJS), []byte(appJS), 0644); err != nil {
		t.Fatal(err)
	}

	binDir := t.TempDir()
	jlist := `[{"name":"mytoken-relay","pid":101,"pm2_env":{"status":"online"}},{"name":"mytoken-forger","pid":102,"pm2_env":{"status":"online"}}]`
	if err := os.WriteFile(filepath.Join(binDir, "pm2"), []byte("#!/bin/sh\necho '"+jlist+"'\n"), 0755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	db, err := journal.Open(filepath.Join(tempDir, core.JournalName))
	if err != nil {
		t.Fatal(err)
	}
	db.LogEvent("mytoken-relay", journal.EventPeer, "ws://203.0.113.5:4001/ failed attempts=6 error=i/o timeout")
	db.Close()

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"status"})
	if err := root.Execute(); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{
		"mytoken-forger",
		"Plugin:  installed in",
		"(absent)",
		"Journal: " + filepath.Join(tempDir, core.JournalName),
		"ws://203.0.113.5:4001/",
		"i/o timeout",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("status output is missing %q:\n%s", want, out.String())
		}
	}
}

func TestStatusCommand_NoJournal(t *testing.T) {
	_, tempDir := setNodeEnv(t)
	t.Setenv("PATH", t.TempDir())

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"status"})
	if err := root.Execute(); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"Processes: unavailable", "Journal: " + filepath.Join(tempDir, core.JournalName) + " (absent)"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("status output is missing %q:\n%s", want, out.String())
		}
	}
	if core.ConfigExists(filepath.Join(tempDir, core.JournalName)) {
		t.Error("status must not create the journal")
	}
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), core.PluginName+" ") {
		t.Errorf("unexpected version output %q", out.String())
	}
}
