// Package autostart holds the boot-time gate the engine exposes but never
// consumes itself: a static predicate an OS boot hook can evaluate without
// instantiating the engine, plus the file-backed flag it reads.
package autostart

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"dns-sinkhole-vpn/internal/core"
)

// ShouldAutostart reports whether a boot-time caller should start the
// engine: the configuration's autostart flag must be set, and the engine
// must have been active (running, not explicitly stopped or paused) when
// the host last shut down. The engine only ever writes the persisted flag;
// this predicate is its sole reader.
func ShouldAutostart(cfg core.GlobalConfig, persistedActiveFlag bool) bool {
	return cfg.Autostart && persistedActiveFlag
}

// Flag is the persisted active flag: a single boolean in its own file. The
// engine writes true when it reaches RUNNING and false on explicit stop,
// pause, or fatal error, so the boot hook can distinguish "was running at
// shutdown" from "the user turned it off".
type Flag struct {
	path string
}

// NewFlag creates a Flag stored at path.
func NewFlag(path string) *Flag {
	return &Flag{path: path}
}

// Store writes the flag value, replacing any previous one.
func (f *Flag) Store(active bool) error {
	if err := os.WriteFile(f.path, []byte(strconv.FormatBool(active)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write active flag: %w", err)
	}
	return nil
}

// Load reads the flag value. A missing or unparsable file reads as false,
// so a fresh install never autostarts.
func (f *Flag) Load() bool {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return false
	}
	active, err := strconv.ParseBool(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	return active
}
