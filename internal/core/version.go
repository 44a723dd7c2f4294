package core

import (
	"fmt"
	"path"
	"runtime/debug"
	"strings"
)

// Version of the running binary, derived from build info
var Version = "devel"

// PluginName is the identifier the forger loads the orchestrator under. It
// is the last element of the module path, which matches the package name
// the host application installs.
var PluginName = "chameleon"

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if name := pluginNameFromPath(info.Main.Path); name != "" {
		PluginName = name
	}
	Version = versionFromBuildInfo(info)
}

func pluginNameFromPath(modulePath string) string {
	if modulePath == "" || modulePath == "command-line-arguments" {
		return ""
	}
	name := path.Base(modulePath)
	// Major version suffixes are not part of the package name
	if strings.HasPrefix(name, "v") && len(name) > 1 && strings.Trim(name[1:], "0123456789") == "" {
		name = path.Base(path.Dir(modulePath))
	}
	return name
}

func versionFromBuildInfo(info *debug.BuildInfo) string {
	if v := info.Main.Version; v != "" && v != "(devel)" && !isPseudo(v) {
		return strings.TrimPrefix(v, "v")
	}

	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return "devel"
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}

	v := fmt.Sprintf("devel-%s", revision)
	if dirty {
		v += "-dirty"
	}
	return v
}

// isPseudo reports whether v ends in the 12 hex digit commit hash of a Go
// pseudo-version
func isPseudo(v string) bool {
	v, _, _ = strings.Cut(v, "+")
	i := strings.LastIndex(v, "-")
	if i < 0 || len(v)-i-1 != 12 {
		return false
	}
	return strings.Trim(v[i+1:], "0123456789abcdef") == ""
}
