package core

import (
	"path/filepath"
	"strings"
	"time"
)

const (
	MaxTorInstances = 10
	DefaultHostname = "127.0.0.1"
	DefaultPort     = 4001
)

// Instances bounds the number of tor processes
type Instances struct {
	Min int
	Max int
}

// TorOptions configures the anonymizer
type TorOptions struct {
	Enabled   bool
	Instances Instances
	Path      string // tor binary, empty means look it up in PATH
}

// ReconnectOptions controls how peer sessions are re-established
type ReconnectOptions struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  int
	MaxRetries     int // 0 retries forever
}

// Options is the sanitized orchestrator configuration. It is produced by
// Sanitize and treated as immutable afterwards.
type Options struct {
	Tor               TorOptions
	APISync           bool
	FetchTransactions bool
	Socket            string
	Hostname          string
	Port              int
	Peers             []string
	Reconnect         ReconnectOptions
}

// RawInstances is the untrusted instance range. Nil means "not a number".
type RawInstances struct {
	Min *int
	Max *int
}

// RawTor is the untrusted tor block. A nil Instances means the block was
// missing or malformed.
type RawTor struct {
	Enabled   bool
	Instances *RawInstances
	Path      string
}

// RawOptions is what the options file decodes to before sanitization
type RawOptions struct {
	Tor               *RawTor
	APISync           *bool
	FetchTransactions *bool
	Socket            string // ignored, always recomputed
	Hostname          string
	Port              int
	Peers             []string
	Reconnect         RawReconnect
}

// RawReconnect holds reconnect settings as written in the options file
type RawReconnect struct {
	InitialBackoff string
	MaxBackoff     string
	BackoffFactor  int
	MaxRetries     int
}

func intPtr(v int) *int { return &v }

// Sanitize turns raw options into a complete Options value. It never fails:
// anything malformed is clamped to a safe value.
func Sanitize(raw RawOptions, env Environment) Options {
	tor := raw.Tor
	if tor == nil {
		tor = &RawTor{Enabled: false, Instances: &RawInstances{Max: intPtr(1), Min: intPtr(1)}}
	}

	instances := RawInstances{}
	if tor.Instances != nil {
		instances = *tor.Instances
	} else {
		instances = RawInstances{Max: intPtr(1), Min: intPtr(1)}
	}

	var minimum, maximum int
	if instances.Max != nil {
		maximum = *instances.Max
	}
	if instances.Min != nil {
		minimum = *instances.Min
	}

	if instances.Max == nil || maximum < 1 {
		maximum = 1
	}
	// An invalid minimum clamps the maximum. This matches the behaviour
	// deployed nodes already rely on.
	if instances.Min == nil || minimum < 1 {
		maximum = 1
	}
	if maximum > MaxTorInstances {
		maximum = MaxTorInstances
	}
	if minimum > MaxTorInstances {
		minimum = MaxTorInstances
	}
	if minimum > maximum || minimum < 1 {
		minimum = maximum
	}

	opts := Options{
		Tor: TorOptions{
			Enabled:   tor.Enabled,
			Instances: Instances{Min: minimum, Max: maximum},
			Path:      strings.TrimSpace(tor.Path),
		},
		APISync:           raw.APISync != nil && *raw.APISync,
		FetchTransactions: raw.FetchTransactions != nil && *raw.FetchTransactions,
		Socket:            filepath.Join(env.TempPath, SocketName),
		Hostname:          strings.TrimSpace(raw.Hostname),
		Port:              raw.Port,
		Reconnect:         sanitizeReconnect(raw.Reconnect),
	}

	if opts.Hostname == "" {
		opts.Hostname = DefaultHostname
	}
	if opts.Port < 1 || opts.Port > 65535 {
		opts.Port = DefaultPort
	}
	for _, peer := range raw.Peers {
		if peer = strings.TrimSpace(peer); peer != "" {
			opts.Peers = append(opts.Peers, peer)
		}
	}

	return opts
}

func sanitizeReconnect(raw RawReconnect) ReconnectOptions {
	rc := ReconnectOptions{
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Minute,
		BackoffFactor:  2,
		MaxRetries:     raw.MaxRetries,
	}
	if d, err := time.ParseDuration(raw.InitialBackoff); err == nil && d > 0 {
		rc.InitialBackoff = d
	}
	if d, err := time.ParseDuration(raw.MaxBackoff); err == nil && d > 0 {
		rc.MaxBackoff = d
	}
	if rc.MaxBackoff < rc.InitialBackoff {
		rc.MaxBackoff = rc.InitialBackoff
	}
	if raw.BackoffFactor > 1 {
		rc.BackoffFactor = raw.BackoffFactor
	}
	if rc.MaxRetries < 0 {
		rc.MaxRetries = 0
	}
	return rc
}

// Raw converts sanitized options back into their raw form, so they can be
// sanitized again.
func (o Options) Raw() RawOptions {
	return RawOptions{
		Tor: &RawTor{
			Enabled:   o.Tor.Enabled,
			Instances: &RawInstances{Min: intPtr(o.Tor.Instances.Min), Max: intPtr(o.Tor.Instances.Max)},
			Path:      o.Tor.Path,
		},
		APISync:           &o.APISync,
		FetchTransactions: &o.FetchTransactions,
		Socket:            o.Socket,
		Hostname:          o.Hostname,
		Port:              o.Port,
		Peers:             append([]string(nil), o.Peers...),
		Reconnect: RawReconnect{
			InitialBackoff: o.Reconnect.InitialBackoff.String(),
			MaxBackoff:     o.Reconnect.MaxBackoff.String(),
			BackoffFactor:  o.Reconnect.BackoffFactor,
			MaxRetries:     o.Reconnect.MaxRetries,
		},
	}
}
