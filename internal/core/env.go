package core

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

const (
	EnvConfigPath  = "CORE_PATH_CONFIG"
	EnvNetworkName = "CORE_NETWORK_NAME"
	EnvTempPath    = "CORE_PATH_TEMP"
	EnvToken       = "CORE_TOKEN"
	EnvProcessName = "CHAMELEON_PROCESS_NAME"

	// pm2 exports the supervised process name to its children as "name"
	envPM2Name = "name"

	SocketName   = "chameleon.sock"
	LockName     = "chameleon.lock"
	JournalName  = "chameleon.db"
	OptionsName  = "chameleon.hcl"
	AppConfigJS  = "app.js"
	ForgerSuffix = "-forger"
)

// LookupFunc has the signature of os.LookupEnv
type LookupFunc func(key string) (string, bool)

// Environment is the snapshot of everything the orchestrator reads from its
// surroundings. It is resolved once per start and passed down.
type Environment struct {
	ConfigPath    string // Directory holding the node's app.js (CORE_PATH_CONFIG)
	NetworkName   string // Network name used by the fallback app.js location
	TempPath      string // Directory for the socket, lock and journal
	Token         string // Prefix of the supervised process names
	ProcessName   string // Logical name of the current process, e.g. "ark-relay"
	ExecutableDir string // Directory of the running executable
}

// currentProcessName is replaced in tests
var currentProcessName = func() string {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return ""
	}
	name, err := proc.Name()
	if err != nil {
		return ""
	}
	return name
}

// ResolveEnvironment builds an Environment from lookup. A nil lookup reads
// the real process environment.
func ResolveEnvironment(lookup LookupFunc) Environment {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) string {
		value, _ := lookup(key)
		return strings.TrimSpace(value)
	}

	env := Environment{
		ConfigPath:  get(EnvConfigPath),
		NetworkName: get(EnvNetworkName),
		TempPath:    get(EnvTempPath),
		Token:       get(EnvToken),
		ProcessName: get(EnvProcessName),
	}

	if env.TempPath == "" {
		env.TempPath = os.TempDir()
	}
	if env.ProcessName == "" {
		env.ProcessName = get(envPM2Name)
	}
	if env.ProcessName == "" {
		env.ProcessName = currentProcessName()
	}

	if exe, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		env.ExecutableDir = filepath.Dir(exe)
	}

	return env
}

// SocketPath is the local socket loopback connections are redirected to
func (e Environment) SocketPath() string {
	return filepath.Join(e.TempPath, SocketName)
}

func (e Environment) LockPath() string {
	return filepath.Join(e.TempPath, LockName)
}

func (e Environment) JournalPath() string {
	return filepath.Join(e.TempPath, JournalName)
}

// OptionsPath is the default location of the orchestrator's own options file
func (e Environment) OptionsPath() string {
	if e.ConfigPath == "" {
		return OptionsName
	}
	return filepath.Join(e.ConfigPath, OptionsName)
}

// ForgerName is the pm2 name of the companion forger process
func (e Environment) ForgerName() string {
	return e.Token + ForgerSuffix
}

// IsForger reports whether the current process plays the signer role
func (e Environment) IsForger() bool {
	return strings.HasSuffix(e.ProcessName, ForgerSuffix)
}
