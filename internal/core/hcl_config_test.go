package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeOptions(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chameleon.hcl")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test options: %v", err)
	}
	return path
}

func TestLoadOptions(t *testing.T) {
	path := writeOptions(t, `# Test options
api_sync           = true
fetch_transactions = 1
hostname           = "127.0.0.1"
port               = 4002
peers              = ["ws://203.0.113.5:4001", "ws://198.51.100.7:4001"]

tor {
  enabled = true
  path    = "/usr/local/bin/tor"

  instances {
    min = 2
    max = 4
  }
}

reconnect {
  initial_backoff = "2s"
  max_backoff     = "1m"
  backoff_factor  = 3
  max_retries     = 5
}
`)

	raw, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("Failed to load options: %v", err)
	}

	if raw.Tor == nil || !raw.Tor.Enabled {
		t.Fatal("Expected tor to be enabled")
	}
	if raw.Tor.Path != "/usr/local/bin/tor" {
		t.Errorf("Expected tor path /usr/local/bin/tor, got %q", raw.Tor.Path)
	}
	if raw.Tor.Instances == nil || raw.Tor.Instances.Min == nil || raw.Tor.Instances.Max == nil {
		t.Fatal("Expected instances to be decoded")
	}
	if *raw.Tor.Instances.Min != 2 || *raw.Tor.Instances.Max != 4 {
		t.Errorf("Expected instances 2..4, got %d..%d", *raw.Tor.Instances.Min, *raw.Tor.Instances.Max)
	}
	if raw.APISync == nil || !*raw.APISync {
		t.Error("Expected api_sync to be true")
	}
	if raw.FetchTransactions == nil || !*raw.FetchTransactions {
		t.Error("Expected numeric fetch_transactions to coerce to true")
	}
	if raw.Port != 4002 {
		t.Errorf("Expected port 4002, got %d", raw.Port)
	}
	if len(raw.Peers) != 2 {
		t.Errorf("Expected 2 peers, got %d", len(raw.Peers))
	}
	if raw.Reconnect.InitialBackoff != "2s" || raw.Reconnect.BackoffFactor != 3 || raw.Reconnect.MaxRetries != 5 {
		t.Errorf("Unexpected reconnect settings: %+v", raw.Reconnect)
	}
}

func TestLoadOptions_MalformedInstances(t *testing.T) {
	path := writeOptions(t, `
tor {
  enabled = "yes"

  instances {
    min = "three"
  }
}
`)

	raw, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("Malformed values must not fail parsing: %v", err)
	}
	if raw.Tor == nil || !raw.Tor.Enabled {
		t.Error("Expected non-empty string to enable tor")
	}
	if raw.Tor.Instances.Min != nil {
		t.Errorf("Expected non-numeric min to decode as nil, got %d", *raw.Tor.Instances.Min)
	}
	if raw.Tor.Instances.Max != nil {
		t.Error("Expected missing max to decode as nil")
	}

	opts := Sanitize(raw, Environment{TempPath: t.TempDir()})
	if opts.Tor.Instances != (Instances{Min: 1, Max: 1}) {
		t.Errorf("Expected clamped instances {1 1}, got %+v", opts.Tor.Instances)
	}
}

func TestLoadOptions_MissingFile(t *testing.T) {
	raw, err := LoadOptions(filepath.Join(t.TempDir(), "missing.hcl"))
	if err != nil {
		t.Fatalf("Expected no error for a missing file, got %v", err)
	}
	if raw.Tor != nil || raw.APISync != nil {
		t.Error("Expected empty raw options for a missing file")
	}
}

func TestLoadOptions_SyntaxError(t *testing.T) {
	path := writeOptions(t, "tor {\n  enabled = \n")

	_, err := LoadOptions(path)
	if err == nil {
		t.Fatal("Expected a parse error")
	}
	if !strings.Contains(err.Error(), "failed to parse HCL options") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestLoadOptions_MalformedTorShape(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    TorOptions
	}{
		{
			name:    "tor is a string",
			content: `tor = "on"`,
			want:    TorOptions{Enabled: false, Instances: Instances{Min: 1, Max: 1}},
		},
		{
			name: "instances is a number",
			content: `
tor {
  enabled   = true
  instances = 3
}
`,
			want: TorOptions{Enabled: true, Instances: Instances{Min: 1, Max: 1}},
		},
		{
			name:    "tor as an object attribute",
			content: `tor = { enabled = true, instances = { min = 2, max = 3 } }`,
			want:    TorOptions{Enabled: true, Instances: Instances{Min: 2, Max: 3}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := LoadOptions(writeOptions(t, tt.content))
			if err != nil {
				t.Fatalf("Malformed options must not fail parsing: %v", err)
			}
			opts := Sanitize(raw, Environment{TempPath: t.TempDir()})
			if opts.Tor != tt.want {
				t.Errorf("Expected tor %+v, got %+v", tt.want, opts.Tor)
			}
		})
	}
}

func TestLoadOptions_WrongTypedScalars(t *testing.T) {
	path := writeOptions(t, `
port     = "abc"
hostname = 42
socket   = true
peers    = ["ws://203.0.113.5:4001", 7, ""]
api_sync = unknown_variable
`)

	raw, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("Wrong-typed values must not fail parsing: %v", err)
	}
	if raw.APISync != nil {
		t.Error("Expected an unevaluable api_sync to be dropped")
	}
	if len(raw.Peers) != 1 || raw.Peers[0] != "ws://203.0.113.5:4001" {
		t.Errorf("Expected only the string peer to be kept, got %v", raw.Peers)
	}

	opts := Sanitize(raw, Environment{TempPath: "/tmp"})
	if opts.Port != DefaultPort {
		t.Errorf("Expected default port %d, got %d", DefaultPort, opts.Port)
	}
	if opts.Hostname != DefaultHostname {
		t.Errorf("Expected default hostname %q, got %q", DefaultHostname, opts.Hostname)
	}
	if opts.Socket != filepath.Join("/tmp", SocketName) {
		t.Errorf("Expected socket to be recomputed, got %q", opts.Socket)
	}
}

func TestLoadOptions_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chameleon.hcl.json")
	content := `{"tor": {"enabled": true, "instances": {"min": 2, "max": 5}}, "port": "4002"}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test options: %v", err)
	}

	raw, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("Failed to load JSON options: %v", err)
	}
	opts := Sanitize(raw, Environment{TempPath: t.TempDir()})
	if !opts.Tor.Enabled || opts.Tor.Instances != (Instances{Min: 2, Max: 5}) {
		t.Errorf("Unexpected tor options: %+v", opts.Tor)
	}
	if opts.Port != DefaultPort {
		t.Errorf("Expected a string port to fall back to %d, got %d", DefaultPort, opts.Port)
	}
}
