// SPDX-License-Identifier: GPL-3.0-or-later

package addon

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/wumode/mitmpilot-core/obslog"
)

// Candidate is one directory under the addon root that looks like an addon
// package (spec §6.3: "a directory under the addon root whose name matches
// the addon id (case-insensitive)").
type Candidate struct {
	ID   string
	Path string
}

// ScanDir lists every immediate subdirectory of root as a discovery
// [Candidate] (spec §4.6 Discovery "scan addon directory"). Packages without
// a recognizable entry point are filtered out by the caller once Load fails,
// matching "errors are logged; other addons continue".
func ScanDir(root string) ([]Candidate, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}
		out = append(out, Candidate{ID: strings.ToLower(de.Name()), Path: filepath.Join(root, de.Name())})
	}
	return out, nil
}

// InstalledIDs resolves which discovered candidates should actually load,
// against the persisted installed-ids list (spec §6.4 UserInstalledAddons)
// and an optional dev-only single-addon override (spec §4.6 Discovery: "an
// optional dev-only single-addon override").
func InstalledIDs(candidates []Candidate, installed []string, devOverride string) []string {
	if devOverride != "" {
		return []string{strings.ToLower(devOverride)}
	}
	want := make(map[string]bool, len(installed))
	for _, id := range installed {
		want[strings.ToLower(id)] = true
	}
	var out []string
	for _, c := range candidates {
		if want[c.ID] {
			out = append(out, c.ID)
		}
	}
	return out
}

// Watcher re-scans the addon root on filesystem change and invokes onChange
// with the new candidate list, so the manager can pick up addon directories
// dropped in or removed while the process is running.
type Watcher struct {
	root   string
	fsw    *fsnotify.Watcher
	logger obslog.SLogger
	done   chan struct{}
}

// NewWatcher starts watching root for filesystem events.
func NewWatcher(root string, logger obslog.SLogger) (*Watcher, error) {
	if logger == nil {
		logger = obslog.DefaultSLogger()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{root: root, fsw: fsw, logger: logger, done: make(chan struct{})}, nil
}

// Run blocks, invoking onChange after every create/remove/rename event under
// the watched root, until ctx is cancelled or Close is called.
func (w *Watcher) Run(ctx context.Context, onChange func([]Candidate)) {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			candidates, err := ScanDir(w.root)
			if err != nil {
				w.logger.Warn("addon: rescan failed", "root", w.root, "error", err)
				continue
			}
			onChange(candidates)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("addon: watcher error", "error", err)
		case <-ctx.Done():
			return
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
