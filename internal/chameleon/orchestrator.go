// Package chameleon sequences startup: it normalizes the options, installs
// the endpoint router, keeps the forger configured to load the plugin and
// then starts relay networking behind tor.
package chameleon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"go.olrik.dev/chameleon/internal/appconfig"
	"go.olrik.dev/chameleon/internal/core"
	"go.olrik.dev/chameleon/internal/endpoint"
	"go.olrik.dev/chameleon/internal/journal"
	"go.olrik.dev/chameleon/internal/p2p"
	"go.olrik.dev/chameleon/internal/pm2"
	"go.olrik.dev/chameleon/internal/tor"
)

// State of the startup sequence
type State int

const (
	StateIdle State = iota
	StateOptionsSanitized
	StateEndpointOverrideInstalled
	StateConfigSynced
	StateRoleResolved
	StateNetworkingStarted
	StateSkipped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOptionsSanitized:
		return "options_sanitized"
	case StateEndpointOverrideInstalled:
		return "endpoint_override_installed"
	case StateConfigSynced:
		return "config_synced"
	case StateRoleResolved:
		return "role_resolved"
	case StateNetworkingStarted:
		return "networking_started"
	case StateSkipped:
		return "skipped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Networking is the relay's peer-to-peer subsystem
type Networking interface {
	Init() error
	Start(ctx context.Context, upstream endpoint.ContextDialer) error
	Stop()
}

// Anonymizer is a running proxy that peer connections are routed through
type Anonymizer interface {
	Start(ctx context.Context) error
	Stop()
	Dialer() endpoint.ContextDialer
}

// ProcessManager restarts supervised processes
type ProcessManager interface {
	RestartIfOnline(ctx context.Context, name string) pm2.RestartResult
}

// PeerReporter is implemented by networking that can describe its peer
// sessions
type PeerReporter interface {
	Status() []p2p.PeerStatus
}

type NetworkFactory func(opts core.Options, router endpoint.Router, logger *slog.Logger) (Networking, error)
type AnonymizerFactory func(opts core.Options, env core.Environment, logger *slog.Logger) (Anonymizer, error)

// NewNetwork builds the websocket peer network
func NewNetwork(opts core.Options, router endpoint.Router, logger *slog.Logger) (Networking, error) {
	return p2p.New(opts, router, logger), nil
}

// NewTor builds a tor pool sized by the options. Data directories live in
// the temp dir next to the socket.
func NewTor(opts core.Options, env core.Environment, logger *slog.Logger) (Anonymizer, error) {
	return tor.New(tor.Config{
		Binary:       opts.Tor.Path,
		MinInstances: opts.Tor.Instances.Min,
		MaxInstances: opts.Tor.Instances.Max,
		DataDir:      filepath.Join(env.TempPath, "chameleon-tor"),
		Logger:       logger,
	}), nil
}

// Config wires the orchestrator's collaborators
type Config struct {
	Env           core.Environment
	Options       core.RawOptions
	Plugin        string // Identifier added to the forger include list
	Processes     ProcessManager
	NewNetwork    NetworkFactory
	NewAnonymizer AnonymizerFactory
	Logger        *slog.Logger
}

// Orchestrator runs the startup sequence once and owns what it started
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	started     bool
	state       State
	options     core.Options
	router      *endpoint.SocketRouter
	network     Networking
	anonymizer  Anonymizer
	eventLogger func(eventType, details string) error
}

// New returns an idle orchestrator. Unset collaborators get the production
// implementations.
func New(cfg Config) *Orchestrator {
	if cfg.Plugin == "" {
		cfg.Plugin = core.PluginName
	}
	if cfg.Processes == nil {
		cfg.Processes = pm2.New("")
	}
	if cfg.NewNetwork == nil {
		cfg.NewNetwork = NewNetwork
	}
	if cfg.NewAnonymizer == nil {
		cfg.NewAnonymizer = NewTor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, logger: logger}
}

// SetEventLogger sets the callback for recording orchestrator events
func (o *Orchestrator) SetEventLogger(logger func(eventType, details string) error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.eventLogger = logger
}

// JournalLogger adapts a journal to SetEventLogger
func JournalLogger(db *journal.DB, process string) func(eventType, details string) error {
	return func(eventType, details string) error {
		return db.LogEvent(process, eventType, details)
	}
}

func (o *Orchestrator) logEvent(eventType, details string) {
	o.mu.Lock()
	eventLogger := o.eventLogger
	o.mu.Unlock()
	if eventLogger == nil {
		return
	}
	if err := eventLogger(eventType, details); err != nil {
		o.logger.Debug("Failed to record event", "event", eventType, "error", err)
	}
}

// State returns the current state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Options returns the sanitized options, valid once Start has run
func (o *Orchestrator) Options() core.Options {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.options
}

// Router returns the endpoint router installed by Start
func (o *Orchestrator) Router() endpoint.Router {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.router == nil {
		return nil
	}
	return o.router
}

// Peers returns a snapshot of the peer sessions, nil before networking has
// started or when the networking cannot report them
func (o *Orchestrator) Peers() []p2p.PeerStatus {
	o.mu.Lock()
	network := o.network
	o.mu.Unlock()
	if reporter, ok := network.(PeerReporter); ok {
		return reporter.Status()
	}
	return nil
}

func (o *Orchestrator) setState(state State) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
	o.logger.Debug("Orchestrator state changed", "state", state)
}

func (o *Orchestrator) fail(err error) error {
	o.setState(StateFailed)
	o.logEvent(journal.EventFailed, err.Error())
	return err
}

// Start runs the startup sequence. It may only be called once. The only
// step that waits on an external subsystem is the anonymizer start.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started (state %s)", o.state)
	}
	o.started = true
	o.mu.Unlock()

	env := o.cfg.Env
	o.logger.Info(fmt.Sprintf("Started Core Chameleon for %s process", env.ProcessName))
	o.logEvent(journal.EventStarted, env.ProcessName)

	options := core.Sanitize(o.cfg.Options, env)
	o.mu.Lock()
	o.options = options
	o.mu.Unlock()
	o.setState(StateOptionsSanitized)

	router := endpoint.NewSocketRouter(options.Socket)
	o.mu.Lock()
	o.router = router
	o.mu.Unlock()
	o.setState(StateEndpointOverrideInstalled)

	if _, err := o.SyncConfig(ctx); err != nil {
		return o.fail(err)
	}
	o.setState(StateConfigSynced)

	o.setState(StateRoleResolved)
	if env.IsForger() {
		o.logger.Debug("Forger process, relay networking not started", "process", env.ProcessName)
		o.logEvent(journal.EventSkipped, env.ProcessName)
		o.setState(StateSkipped)
		return nil
	}

	network, err := o.cfg.NewNetwork(options, router, o.logger)
	if err != nil {
		return o.fail(fmt.Errorf("failed to create networking: %w", err))
	}
	if err := network.Init(); err != nil {
		return o.fail(fmt.Errorf("failed to initialize networking: %w", err))
	}

	var upstream endpoint.ContextDialer
	var anonymizer Anonymizer
	if options.Tor.Enabled {
		anonymizer, err = o.cfg.NewAnonymizer(options, env, o.logger)
		if err != nil {
			return o.fail(fmt.Errorf("failed to create tor: %w", err))
		}
		if err := anonymizer.Start(ctx); err != nil {
			return o.fail(fmt.Errorf("failed to start tor: %w", err))
		}
		upstream = anonymizer.Dialer()
		o.logEvent(journal.EventTorStarted, fmt.Sprintf("min=%d max=%d", options.Tor.Instances.Min, options.Tor.Instances.Max))
	} else {
		o.logger.Warn("Tor support is disabled in the Core Chameleon configuration options")
		o.logger.Warn("Your true IP address may still appear in the logs of other relays")
		o.logEvent(journal.EventTorDisabled, "")
	}

	if err := network.Start(ctx, upstream); err != nil {
		if anonymizer != nil {
			anonymizer.Stop()
		}
		return o.fail(fmt.Errorf("failed to start networking: %w", err))
	}

	o.mu.Lock()
	o.network = network
	o.anonymizer = anonymizer
	o.mu.Unlock()

	o.logEvent(journal.EventNetworkStarted, fmt.Sprintf("peers=%d", len(options.Peers)))
	o.setState(StateNetworkingStarted)
	return nil
}

// SyncConfig makes sure the forger loads the plugin and restarts the forger
// when its configuration had to change. Restart problems are logged, never
// returned.
func (o *Orchestrator) SyncConfig(ctx context.Context) (appconfig.Result, error) {
	env := o.cfg.Env

	result, path, err := appconfig.Install(env, o.cfg.Plugin)
	if err != nil {
		return result, err
	}
	if result == appconfig.Unchanged {
		o.logger.Debug("Forger configuration already loads the plugin", "path", path)
		o.logEvent(journal.EventConfigUnchanged, path)
		return result, nil
	}

	o.logger.Info("Installed Core Chameleon in forger configuration")
	o.logEvent(journal.EventConfigInstalled, path)

	forger := env.ForgerName()
	restart := o.cfg.Processes.RestartIfOnline(ctx, forger)
	switch restart.Outcome {
	case pm2.OutcomeRestarted:
		o.logger.Info("Restarting forger process so configuration changes take effect")
	case pm2.OutcomeFailed:
		o.logger.Warn("Could not determine whether the forger process should be restarted")
		o.logger.Debug("Forger restart failed", "process", forger, "error", restart.Err)
	default:
		o.logger.Debug("Forger not restarted", "process", forger, "outcome", restart.Outcome, "status", restart.Status)
	}
	o.logEvent(journal.EventForgerRestart, fmt.Sprintf("%s: %s", forger, restart.Outcome))

	return result, nil
}

// Stop tears down what Start brought up: the anonymizer first, then
// networking. It never fails and may be called any number of times.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	anonymizer := o.anonymizer
	network := o.network
	o.anonymizer = nil
	o.network = nil
	o.mu.Unlock()

	if anonymizer == nil && network == nil {
		return
	}
	if reporter, ok := network.(PeerReporter); ok {
		for _, peer := range reporter.Status() {
			o.logEvent(journal.EventPeer, peer.String())
		}
	}
	if anonymizer != nil {
		anonymizer.Stop()
	}
	if network != nil {
		network.Stop()
	}
	o.logEvent(journal.EventStopped, "")
	o.logger.Info("Core Chameleon stopped")
}
