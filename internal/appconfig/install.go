package appconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"go.olrik.dev/chameleon/internal/core"
)

// Result of an install
type Result int

const (
	Unchanged Result = iota
	Changed
)

func (r Result) String() string {
	if r == Changed {
		return "changed"
	}
	return "unchanged"
}

// Locate returns the app.js to read. The config directory wins when it
// holds an app.js; otherwise the network's default config shipped next to
// the executable is used.
func Locate(env core.Environment) string {
	if env.ConfigPath != "" {
		path := filepath.Join(env.ConfigPath, core.AppConfigJS)
		if core.ConfigExists(path) {
			return path
		}
	}
	return filepath.Join(env.ExecutableDir, "config", env.NetworkName, core.AppConfigJS)
}

// WritePath returns where a patched app.js is persisted. Changes always land
// in the config directory so they survive upgrades of the default config.
func WritePath(env core.Environment, readPath string) string {
	if env.ConfigPath != "" {
		return filepath.Join(env.ConfigPath, core.AppConfigJS)
	}
	return readPath
}

// Install makes sure plugin is in the forger include list of the app.js
// found for env. The file is only written when the plugin was missing.
func Install(env core.Environment, plugin string) (Result, string, error) {
	readPath := Locate(env)

	doc, err := Load(readPath)
	if err != nil {
		return Unchanged, readPath, err
	}

	changed, err := doc.AddInclude(plugin)
	if err != nil {
		return Unchanged, readPath, err
	}
	if !changed {
		return Unchanged, readPath, nil
	}

	writePath := WritePath(env, readPath)
	if err := doc.Save(writePath); err != nil {
		return Unchanged, writePath, err
	}
	return Changed, writePath, nil
}

// Save writes the document to path atomically
func (d *Document) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, d.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	d.Path = path
	return nil
}
