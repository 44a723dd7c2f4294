// Package tor runs a small pool of tor client processes and hands out
// SOCKS5 dialers that route through them.
package tor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// ReadyMarker is printed by tor once it can build circuits
	ReadyMarker = "Bootstrapped 100%"

	DefaultStartTimeout = 2 * time.Minute
	DefaultStopTimeout  = 5 * time.Second

	// ConnsPerInstance is the load at which another instance is started,
	// as long as the pool is below its maximum
	ConnsPerInstance = 8
)

var ErrNotStarted = errors.New("tor is not running")

// Config describes the pool
type Config struct {
	Binary       string // tor executable, looked up in PATH when empty
	MinInstances int
	MaxInstances int
	DataDir      string // parent of the per-instance data directories
	StartTimeout time.Duration
	StopTimeout  time.Duration
	Logger       *slog.Logger
}

type instance struct {
	id        int
	cmd       *exec.Cmd
	pid       int
	socksAddr string
	active    atomic.Int64
	ready     chan struct{}
	done      chan struct{}
	stopped   atomic.Bool
}

// Manager owns the tor processes
type Manager struct {
	cfg    Config
	binary string
	logger *slog.Logger

	mu        sync.Mutex
	instances []*instance
	nextID    int
	running   bool
	growing   bool
}

// New returns a manager for cfg. Nothing is started until Start.
func New(cfg Config) *Manager {
	if cfg.MinInstances < 1 {
		cfg.MinInstances = 1
	}
	if cfg.MaxInstances < cfg.MinInstances {
		cfg.MaxInstances = cfg.MinInstances
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(os.TempDir(), "chameleon-tor")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// Start launches the minimum number of instances and waits until each has
// bootstrapped. On failure every instance started so far is stopped again.
func (m *Manager) Start(ctx context.Context) error {
	binary := m.cfg.Binary
	if binary == "" {
		binary = "tor"
	}
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return fmt.Errorf("tor executable not found: %w", err)
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("tor is already running")
	}
	m.binary = resolved
	m.running = true
	m.mu.Unlock()

	for i := 0; i < m.cfg.MinInstances; i++ {
		if _, err := m.launch(ctx); err != nil {
			m.Stop()
			return err
		}
	}

	m.logger.Info("Tor started", "instances", m.Instances(), "max", m.cfg.MaxInstances)
	return nil
}

// Instances returns the number of running instances
func (m *Manager) Instances() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// SocksAddrs returns the SOCKS listeners of all running instances
func (m *Manager) SocksAddrs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := make([]string, 0, len(m.instances))
	for _, inst := range m.instances {
		addrs = append(addrs, inst.socksAddr)
	}
	return addrs
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// launch starts one tor process and blocks until it is ready
func (m *Manager) launch(ctx context.Context) (*instance, error) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil, ErrNotStarted
	}
	m.nextID++
	id := m.nextID
	binary := m.binary
	m.mu.Unlock()

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve socks port: %w", err)
	}
	dataDir := filepath.Join(m.cfg.DataDir, fmt.Sprintf("instance-%d", id))
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create tor data directory: %w", err)
	}

	socksAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	cmd := exec.Command(binary,
		"--SocksPort", socksAddr,
		"--DataDirectory", dataDir,
		"--ControlPort", "0",
		"--ClientOnly", "1",
		"--Log", "notice stdout",
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to capture tor output: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start tor: %w", err)
	}

	inst := &instance{
		id:        id,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		socksAddr: socksAddr,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	go m.readOutput(inst, stdout)

	m.logger.Debug("Waiting for tor to bootstrap", "instance", id, "pid", inst.pid, "socks", socksAddr)

	select {
	case <-inst.ready:
	case <-inst.done:
		return nil, fmt.Errorf("tor instance %d exited before bootstrapping", id)
	case <-time.After(m.cfg.StartTimeout):
		m.stopInstance(inst)
		return nil, fmt.Errorf("timeout after %v waiting for tor instance %d to bootstrap", m.cfg.StartTimeout, id)
	case <-ctx.Done():
		m.stopInstance(inst)
		return nil, ctx.Err()
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		m.stopInstance(inst)
		return nil, ErrNotStarted
	}
	m.instances = append(m.instances, inst)
	m.mu.Unlock()

	go m.monitor(inst)

	m.logger.Info("Tor instance ready", "instance", id, "pid", inst.pid, "socks", socksAddr)
	return inst, nil
}

// readOutput forwards tor's log, signals readiness and reaps the process
func (m *Manager) readOutput(inst *instance, r io.Reader) {
	scanner := bufio.NewScanner(r)
	var readyOnce sync.Once
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		m.logger.Debug("tor", "instance", inst.id, "line", line)
		if strings.Contains(line, ReadyMarker) {
			readyOnce.Do(func() { close(inst.ready) })
		}
	}
	inst.cmd.Wait()
	close(inst.done)
}

// monitor replaces an instance that dies on its own
func (m *Manager) monitor(inst *instance) {
	<-inst.done
	if inst.stopped.Load() {
		return
	}

	m.mu.Lock()
	m.removeLocked(inst)
	running := m.running
	m.mu.Unlock()
	if !running {
		return
	}

	m.logger.Warn("Tor instance exited unexpectedly, replacing it", "instance", inst.id, "pid", inst.pid)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartTimeout)
	defer cancel()
	if _, err := m.launch(ctx); err != nil && !errors.Is(err, ErrNotStarted) {
		m.logger.Error("Failed to replace tor instance", "error", err)
	}
}

func (m *Manager) removeLocked(inst *instance) {
	for i, candidate := range m.instances {
		if candidate == inst {
			m.instances = append(m.instances[:i], m.instances[i+1:]...)
			return
		}
	}
}

// stopInstance terminates the process group, escalating to SIGKILL
func (m *Manager) stopInstance(inst *instance) {
	if inst.stopped.Swap(true) {
		return
	}

	if err := unix.Kill(-inst.pid, unix.SIGTERM); err != nil {
		if err := inst.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			m.logger.Debug("Failed to signal tor", "instance", inst.id, "error", err)
		}
	}

	select {
	case <-inst.done:
		m.logger.Debug("Tor instance stopped", "instance", inst.id)
	case <-time.After(m.cfg.StopTimeout):
		m.logger.Warn("Tor instance did not stop gracefully, force killing", "instance", inst.id, "pid", inst.pid)
		unix.Kill(-inst.pid, unix.SIGKILL)
		<-inst.done
	}
}

// Stop terminates all instances. It is safe to call more than once and
// without a prior Start.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	instances := m.instances
	m.instances = nil
	m.mu.Unlock()

	for _, inst := range instances {
		m.stopInstance(inst)
	}
	if len(instances) > 0 {
		m.logger.Info("Tor stopped", "instances", len(instances))
	}
}

// grow adds one instance in the background when the pool is saturated
func (m *Manager) grow() {
	m.mu.Lock()
	if m.growing || !m.running || len(m.instances) >= m.cfg.MaxInstances {
		m.mu.Unlock()
		return
	}
	m.growing = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			m.growing = false
			m.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartTimeout)
		defer cancel()
		if _, err := m.launch(ctx); err != nil && !errors.Is(err, ErrNotStarted) {
			m.logger.Warn("Failed to add tor instance", "error", err)
		}
	}()
}
