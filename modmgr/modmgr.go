// SPDX-License-Identifier: GPL-3.0-or-later

// Package modmgr holds long-lived system modules (notification backends,
// database adapters, and similar) keyed by class name (C8, spec §4.8). Unlike
// addons, modules are compiled into the binary; the manager's job is purely
// gating which ones start, based on a settings lookup, and giving addons
// lookup APIs by id/type/subtype for [chainbase] fan-out.
package modmgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Settings is the subset of the global configuration store the manager needs
// to evaluate a module's InitSetting gate.
type Settings interface {
	Get(key string) (value any, ok bool)
}

// Module is the contract every system module implements.
type Module interface {
	// ID uniquely identifies this module instance.
	ID() string
	// Type is the module's class name, e.g. "NotificationBackend".
	Type() string
	// Subtype further narrows Type, e.g. a notification backend's channel name.
	Subtype() string
	// Priority orders this module within [Manager.StartAll] and the
	// [Manager.Snapshot]/[Manager.ByType] lookups (lower first).
	Priority() int
	// InitSetting returns the (switch-name, expected-value) gate that decides
	// whether this module starts (spec §4.8). A switch name of "" means
	// "always start".
	InitSetting() (switchName string, expectedValue any)
	// Start brings the module up; called only if InitSetting's gate passes.
	Start(ctx context.Context) error
	// Stop tears the module down.
	Stop(ctx context.Context) error
}

// Manager owns the set of started modules (spec §4.8).
type Manager struct {
	mu      sync.RWMutex
	modules map[string]Module // by ID
	order   []string          // insertion order; readers sort a copy by priority
}

// New constructs an empty [Manager].
func New() *Manager {
	return &Manager{modules: make(map[string]Module)}
}

// Register adds mod to the manager without starting it.
func (m *Manager) Register(mod Module) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules[mod.ID()] = mod
	m.order = append(m.order, mod.ID())
}

// StartAll starts every registered module whose InitSetting gate passes
// against settings, skipping (not erroring on) gated-off modules.
func (m *Manager) StartAll(ctx context.Context, settings Settings) error {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	mods := make([]Module, 0, len(ids))
	for _, id := range ids {
		mods = append(mods, m.modules[id])
	}
	m.mu.RUnlock()

	sort.SliceStable(mods, func(i, j int) bool { return mods[i].Priority() < mods[j].Priority() })

	for _, mod := range mods {
		if !gatePasses(mod, settings) {
			continue
		}
		if err := mod.Start(ctx); err != nil {
			return fmt.Errorf("modmgr: start %s: %w", mod.ID(), err)
		}
	}
	return nil
}

func gatePasses(mod Module, settings Settings) bool {
	switchName, expected := mod.InitSetting()
	if switchName == "" {
		return true
	}
	if settings == nil {
		return false
	}
	got, ok := settings.Get(switchName)
	return ok && got == expected
}

// StopAll stops every registered module, isolating each failure (spec's
// "bulk stop" policy applied uniformly across the system).
func (m *Manager) StopAll(ctx context.Context) {
	for _, mod := range m.Snapshot() {
		_ = mod.Stop(ctx)
	}
}

// ByID looks up a module by its unique id.
func (m *Manager) ByID(id string) (Module, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mod, ok := m.modules[id]
	return mod, ok
}

// ByType returns every registered module of the given class name, in
// priority order (lower first).
func (m *Manager) ByType(typ string) []Module {
	var out []Module
	for _, mod := range m.Snapshot() {
		if mod.Type() == typ {
			out = append(out, mod)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority() < out[j].Priority() })
	return out
}

// BySubtype returns every registered module of the given subtype, in
// priority order.
func (m *Manager) BySubtype(subtype string) []Module {
	var out []Module
	for _, mod := range m.Snapshot() {
		if mod.Subtype() == subtype {
			out = append(out, mod)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority() < out[j].Priority() })
	return out
}

// Snapshot returns every registered module in priority order, safe to iterate
// without holding the manager's lock (spec §4.6 "iteration takes a snapshot").
func (m *Manager) Snapshot() []Module {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Module, 0, len(m.modules))
	for _, id := range m.order {
		out = append(out, m.modules[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority() < out[j].Priority() })
	return out
}
