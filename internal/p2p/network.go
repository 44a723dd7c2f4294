// Package p2p keeps the relay's peer sessions open. Every connection is
// dialed through an endpoint.Router, so sessions to the local node use the
// orchestrator socket while remote peers go through the upstream dialer.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go.olrik.dev/chameleon/internal/core"
	"go.olrik.dev/chameleon/internal/endpoint"
)

const (
	DefaultPingInterval     = 30 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
)

// SessionState is the state of one peer session
type SessionState string

const (
	SessionIdle       SessionState = "idle"
	SessionConnecting SessionState = "connecting"
	SessionConnected  SessionState = "connected"
	SessionWaiting    SessionState = "waiting"
	SessionFailed     SessionState = "failed"
	SessionStopped    SessionState = "stopped"
)

// PeerStatus is a snapshot of a session
type PeerStatus struct {
	URL       string
	Endpoint  string
	State     SessionState
	Attempts  int
	LastError string
}

// String renders the snapshot as one line: url, state, attempts and the
// last error if there was one
func (p PeerStatus) String() string {
	line := fmt.Sprintf("%s %s attempts=%d", p.URL, p.State, p.Attempts)
	if p.LastError != "" {
		line += " error=" + p.LastError
	}
	return line
}

type session struct {
	target   endpoint.Target
	endpoint endpoint.Endpoint

	mu        sync.Mutex
	state     SessionState
	attempts  int
	lastError string
}

func (s *session) set(state SessionState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	if err != nil {
		s.lastError = err.Error()
	}
}

// Network is the relay's networking subsystem
type Network struct {
	opts         core.Options
	router       endpoint.Router
	logger       *slog.Logger
	PingInterval time.Duration

	mu          sync.Mutex
	sessions    []*session
	initialized bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New constructs the networking subsystem. router must be the one created
// for this run; it decides where every dial goes.
func New(opts core.Options, router endpoint.Router, logger *slog.Logger) *Network {
	if logger == nil {
		logger = slog.Default()
	}
	return &Network{
		opts:         opts,
		router:       router,
		logger:       logger,
		PingInterval: DefaultPingInterval,
	}
}

// Init resolves the local node and all configured peers
func (n *Network) Init() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.router == nil {
		return errors.New("network requires an endpoint router")
	}

	urls := append([]string{localURL(n.opts)}, n.opts.Peers...)
	seen := make(map[string]bool)
	sessions := make([]*session, 0, len(urls))

	for _, rawURL := range urls {
		target, err := endpoint.ParseTarget(rawURL)
		if err != nil {
			return err
		}
		if seen[target.URL()] {
			continue
		}
		seen[target.URL()] = true

		ep, err := n.router.Resolve(target)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", rawURL, err)
		}
		sessions = append(sessions, &session{
			target:   target,
			endpoint: ep,
			state:    SessionIdle,
		})
	}

	n.sessions = sessions
	n.initialized = true

	n.logger.Debug("Relay networking initialized", "sessions", len(sessions))
	return nil
}

func localURL(opts core.Options) string {
	target := endpoint.Target{Host: opts.Hostname, Port: opts.Port}
	return target.URL()
}

// Start opens every session in the background. Remote peers are dialed
// through upstream; the local node is reached via the router.
func (n *Network) Start(ctx context.Context, upstream endpoint.ContextDialer) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.initialized {
		return errors.New("network is not initialized")
	}
	if n.cancel != nil {
		return errors.New("network is already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	dialer := endpoint.NewDialer(n.router, upstream)
	for _, s := range n.sessions {
		n.wg.Add(1)
		go func(s *session) {
			defer n.wg.Done()
			n.run(ctx, s, dialer)
		}(s)
	}

	n.logger.Info("Relay networking started",
		"peers", len(n.sessions),
		"api_sync", n.opts.APISync,
		"fetch_transactions", n.opts.FetchTransactions)
	return nil
}

// Stop closes all sessions and waits for them to finish
func (n *Network) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	n.wg.Wait()
}

// Status returns a snapshot of every session
func (n *Network) Status() []PeerStatus {
	n.mu.Lock()
	sessions := n.sessions
	n.mu.Unlock()

	statuses := make([]PeerStatus, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		statuses = append(statuses, PeerStatus{
			URL:       s.target.URL(),
			Endpoint:  s.endpoint.URI,
			State:     s.state,
			Attempts:  s.attempts,
			LastError: s.lastError,
		})
		s.mu.Unlock()
	}
	return statuses
}

// run keeps one session connected until ctx is done or retries run out
func (n *Network) run(ctx context.Context, s *session, dialer *endpoint.Dialer) {
	wsDialer := websocket.Dialer{
		NetDialContext:   dialer.DialContext,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
	logger := n.logger.With("peer", s.target.URL(), "endpoint", s.endpoint.URI)
	failures := 0

	for {
		s.mu.Lock()
		s.state = SessionConnecting
		s.attempts++
		s.mu.Unlock()

		conn, _, err := wsDialer.DialContext(ctx, s.target.URL(), nil)
		if err == nil {
			failures = 0
			s.set(SessionConnected, nil)
			logger.Info("Peer session connected")
			err = n.serve(ctx, conn)
			conn.Close()
		}

		if ctx.Err() != nil {
			s.set(SessionStopped, nil)
			return
		}

		failures++
		maxRetries := n.opts.Reconnect.MaxRetries
		if maxRetries > 0 && failures > maxRetries {
			s.set(SessionFailed, err)
			logger.Error("Giving up on peer session", "failures", failures, "error", err)
			return
		}

		delay := Backoff(n.opts.Reconnect, failures)
		s.set(SessionWaiting, err)
		logger.Warn("Peer session lost, reconnecting", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			s.set(SessionStopped, nil)
			return
		case <-time.After(delay):
		}
	}
}

// serve pings the peer and drains incoming frames until the connection
// breaks or ctx is done
func (n *Network) serve(ctx context.Context, conn *websocket.Conn) error {
	interval := n.PingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
				return err
			}
		}
	}
}

// Backoff returns the delay before reconnect attempt number failures
// (starting at 1): initial * factor^(failures-1), capped at the maximum.
func Backoff(rc core.ReconnectOptions, failures int) time.Duration {
	delay := rc.InitialBackoff
	if delay <= 0 {
		delay = time.Second
	}
	factor := rc.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	for i := 1; i < failures; i++ {
		delay *= time.Duration(factor)
		if rc.MaxBackoff > 0 && delay >= rc.MaxBackoff {
			return rc.MaxBackoff
		}
	}
	if rc.MaxBackoff > 0 && delay > rc.MaxBackoff {
		return rc.MaxBackoff
	}
	return delay
}
