package pm2

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeRunner records invocations and answers from a table keyed by the
// first argument
type fakeRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   [][]string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	return []byte(f.outputs[args[0]]), f.errs[args[0]]
}

const jlist = `[PM2] Spawning PM2 daemon with pm2_home=/home/ark/.pm2
[{"name":"mytoken-relay","pid":101,"pm2_env":{"status":"online"}},{"name":"mytoken-forger","pid":102,"pm2_env":{"status":"online"}},{"name":"other-forger","pid":0,"pm2_env":{"status":"stopped"}}]`

func newFakeClient(r *fakeRunner) *Client {
	c := New("")
	c.Runner = r
	return c
}

func TestParseList(t *testing.T) {
	t.Run("last line after banner", func(t *testing.T) {
		processes, err := ParseList([]byte(jlist))
		if err != nil {
			t.Fatalf("ParseList failed: %v", err)
		}
		if len(processes) != 3 {
			t.Fatalf("expected 3 processes, got %d", len(processes))
		}
		if processes[1].Name != "mytoken-forger" || processes[1].Env.Status != StatusOnline {
			t.Errorf("unexpected second process: %+v", processes[1])
		}
	})

	t.Run("trailing newline", func(t *testing.T) {
		processes, err := ParseList([]byte(jlist + "\n\n"))
		if err != nil {
			t.Fatalf("ParseList failed: %v", err)
		}
		if len(processes) != 3 {
			t.Errorf("expected 3 processes, got %d", len(processes))
		}
	})

	t.Run("not json", func(t *testing.T) {
		if _, err := ParseList([]byte("command not found")); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("empty", func(t *testing.T) {
		if _, err := ParseList(nil); err == nil {
			t.Error("expected an error")
		}
	})
}

func TestRestartIfOnline(t *testing.T) {
	tests := []struct {
		name        string
		runner      *fakeRunner
		process     string
		want        Outcome
		wantRestart bool
	}{
		{
			name:        "online forger is restarted",
			runner:      &fakeRunner{outputs: map[string]string{"jlist": jlist}},
			process:     "mytoken-forger",
			want:        OutcomeRestarted,
			wantRestart: true,
		},
		{
			name:    "stopped forger is left alone",
			runner:  &fakeRunner{outputs: map[string]string{"jlist": jlist}},
			process: "other-forger",
			want:    OutcomeNotRunning,
		},
		{
			name:    "unknown forger is left alone",
			runner:  &fakeRunner{outputs: map[string]string{"jlist": jlist}},
			process: "missing-forger",
			want:    OutcomeNotFound,
		},
		{
			name: "non-zero exit with garbage output",
			runner: &fakeRunner{
				outputs: map[string]string{"jlist": "pm2: daemon not reachable"},
				errs:    map[string]error{"jlist": errors.New("exit status 1")},
			},
			process: "mytoken-forger",
			want:    OutcomeFailed,
		},
		{
			name: "restart failure",
			runner: &fakeRunner{
				outputs: map[string]string{"jlist": jlist},
				errs:    map[string]error{"restart": errors.New("exit status 1")},
			},
			process:     "mytoken-forger",
			want:        OutcomeFailed,
			wantRestart: true,
		},
		{
			name: "non-zero exit with usable output",
			runner: &fakeRunner{
				outputs: map[string]string{"jlist": jlist},
				errs:    map[string]error{"jlist": errors.New("exit status 2")},
			},
			process:     "mytoken-forger",
			want:        OutcomeRestarted,
			wantRestart: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := newFakeClient(tt.runner).RestartIfOnline(context.Background(), tt.process)
			if result.Outcome != tt.want {
				t.Errorf("Outcome = %v, want %v (err: %v)", result.Outcome, tt.want, result.Err)
			}
			if (result.Outcome == OutcomeFailed) != (result.Err != nil) {
				t.Errorf("Err = %v inconsistent with outcome %v", result.Err, result.Outcome)
			}

			restarted := false
			for _, call := range tt.runner.calls {
				if call[1] == "restart" {
					restarted = true
					want := []string{"pm2", "restart", tt.process, "--update-env"}
					if strings.Join(call, " ") != strings.Join(want, " ") {
						t.Errorf("restart call = %v, want %v", call, want)
					}
				}
			}
			if restarted != tt.wantRestart {
				t.Errorf("restart attempted = %v, want %v", restarted, tt.wantRestart)
			}
		})
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pm2")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("failed to write fake pm2: %v", err)
	}
	return path
}

func TestClient_RealProcess(t *testing.T) {
	t.Run("restart through a script", func(t *testing.T) {
		log := filepath.Join(t.TempDir(), "calls")
		script := writeScript(t, `echo "$@" >> `+log+`
if [ "$1" = "jlist" ]; then
  echo '[{"name":"mytoken-forger","pm2_env":{"status":"online"}}]'
fi
`)
		result := New(script).RestartIfOnline(context.Background(), "mytoken-forger")
		if result.Outcome != OutcomeRestarted {
			t.Fatalf("Outcome = %v, err = %v", result.Outcome, result.Err)
		}

		calls, err := os.ReadFile(log)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(calls), "restart mytoken-forger --update-env") {
			t.Errorf("restart not invoked, calls:\n%s", calls)
		}
	})

	t.Run("script exiting non-zero", func(t *testing.T) {
		script := writeScript(t, "echo 'something broke' >&2\nexit 3\n")
		result := New(script).RestartIfOnline(context.Background(), "mytoken-forger")
		if result.Outcome != OutcomeFailed {
			t.Fatalf("Outcome = %v, want failed", result.Outcome)
		}
		if !strings.Contains(result.Err.Error(), "something broke") {
			t.Errorf("expected stderr in error, got %v", result.Err)
		}
	})

	t.Run("missing binary", func(t *testing.T) {
		result := New(filepath.Join(t.TempDir(), "no-such-pm2")).RestartIfOnline(context.Background(), "mytoken-forger")
		if result.Outcome != OutcomeFailed || result.Err == nil {
			t.Errorf("expected failed outcome with error, got %+v", result)
		}
	})
}
