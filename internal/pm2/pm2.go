// Package pm2 talks to the pm2 process manager that supervises the node's
// relay and forger processes.
package pm2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	// DefaultBinary is looked up in PATH
	DefaultBinary = "pm2"

	// DefaultTimeout bounds every pm2 invocation
	DefaultTimeout = 30 * time.Second

	// MaxErrorOutput is the maximum number of bytes of stderr kept in errors
	MaxErrorOutput = 512
)

// Status is pm2's view of a process
type Status string

const (
	StatusOnline  Status = "online"
	StatusStopped Status = "stopped"
)

// Process is one entry of `pm2 jlist`
type Process struct {
	Name string `json:"name"`
	PID  int    `json:"pid"`
	Env  struct {
		Status Status `json:"status"`
	} `json:"pm2_env"`
}

// Runner executes a command and returns its stdout
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > MaxErrorOutput {
			detail = detail[:MaxErrorOutput] + "... (truncated)"
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && detail != "" {
			err = fmt.Errorf("%w: %s", err, detail)
		}
	}
	return stdout.Bytes(), err
}

// Client wraps the pm2 command line
type Client struct {
	Binary  string
	Runner  Runner
	Timeout time.Duration
}

// New returns a client for the given pm2 binary. An empty binary means
// "pm2" from PATH.
func New(binary string) *Client {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Client{
		Binary:  binary,
		Runner:  execRunner{},
		Timeout: DefaultTimeout,
	}
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runner := c.Runner
	if runner == nil {
		runner = execRunner{}
	}
	return runner.Run(ctx, c.Binary, args...)
}

// List returns pm2's process list. pm2 may print banners before the JSON,
// so only the last non-empty line of stdout is parsed. The exit code is only
// reported when that line is not usable.
func (c *Client) List(ctx context.Context) ([]Process, error) {
	out, runErr := c.run(ctx, "jlist")

	processes, err := ParseList(out)
	if err != nil {
		if runErr != nil {
			return nil, fmt.Errorf("pm2 jlist failed: %w", runErr)
		}
		return nil, err
	}
	return processes, nil
}

// ParseList parses the last non-empty line of out as a pm2 process list
func ParseList(out []byte) ([]Process, error) {
	text := strings.TrimRight(string(out), " \t\r\n")
	if text == "" {
		return nil, errors.New("pm2 jlist printed nothing")
	}
	last := text
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		last = text[i+1:]
	}

	var processes []Process
	if err := json.Unmarshal([]byte(strings.TrimSpace(last)), &processes); err != nil {
		return nil, fmt.Errorf("failed to parse pm2 jlist output: %w", err)
	}
	return processes, nil
}

// Find returns the process called name, or nil when pm2 does not know it
func (c *Client) Find(ctx context.Context, name string) (*Process, error) {
	processes, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range processes {
		if processes[i].Name == name {
			return &processes[i], nil
		}
	}
	return nil, nil
}

// Restart restarts name and refreshes its environment
func (c *Client) Restart(ctx context.Context, name string) error {
	if _, err := c.run(ctx, "restart", name, "--update-env"); err != nil {
		return fmt.Errorf("pm2 restart %s failed: %w", name, err)
	}
	return nil
}

// Outcome of RestartIfOnline
type Outcome int

const (
	OutcomeRestarted Outcome = iota
	OutcomeNotRunning
	OutcomeNotFound
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRestarted:
		return "restarted"
	case OutcomeNotRunning:
		return "not running"
	case OutcomeNotFound:
		return "not found"
	default:
		return "failed"
	}
}

// RestartResult describes what RestartIfOnline did
type RestartResult struct {
	Outcome Outcome
	Status  Status // Last known status, empty when not found
	Err     error  // Set when Outcome is OutcomeFailed
}

// RestartIfOnline restarts name only if pm2 reports it online. It never
// returns an error directly: failures are reported as OutcomeFailed so the
// caller can decide how loud to be.
func (c *Client) RestartIfOnline(ctx context.Context, name string) RestartResult {
	proc, err := c.Find(ctx, name)
	if err != nil {
		return RestartResult{Outcome: OutcomeFailed, Err: err}
	}
	if proc == nil {
		return RestartResult{Outcome: OutcomeNotFound}
	}
	if proc.Env.Status != StatusOnline {
		return RestartResult{Outcome: OutcomeNotRunning, Status: proc.Env.Status}
	}
	if err := c.Restart(ctx, name); err != nil {
		return RestartResult{Outcome: OutcomeFailed, Status: proc.Env.Status, Err: err}
	}
	return RestartResult{Outcome: OutcomeRestarted, Status: proc.Env.Status}
}
