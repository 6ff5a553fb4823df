// SPDX-License-Identifier: GPL-3.0-or-later

// Package chainbase implements the generic "run a named method across every
// addon-contributed and system module" fold (C10, spec §4.10). The source
// expresses this as an abstract base class addons and services extend and
// reflectively probes for the method by name (hasattr); the static
// equivalent here is a typed registry of (owner, priority, method table)
// records built at registration time — see spec §9 "Dynamic dispatch over
// addon/module methods -> interface abstraction".
package chainbase

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/wumode/mitmpilot-core/obslog"
)

// MethodFunc is one named method a registrant contributes. result is the
// fold's accumulator so far (nil on the first call that reaches this
// registrant); args are the caller-supplied extra arguments to run_module.
type MethodFunc func(ctx context.Context, result any, args []any) (any, error)

// Registrant is one addon or system module's contribution to the fold.
type Registrant struct {
	// OwnerID identifies the contributing addon/module, for logging.
	OwnerID string
	// Priority orders this registrant within its tier. Addon-tier registrants
	// are walked in addon registration order (ties keep insertion order);
	// system-tier registrants are walked by Priority ascending (lower first),
	// per spec §4.10 step 4.
	Priority int
	// Enabled reports whether this registrant currently participates; nil
	// means always enabled.
	Enabled func() bool
	// Methods maps a method name to its callable.
	Methods map[string]MethodFunc
}

func (r *Registrant) enabled() bool {
	return r.Enabled == nil || r.Enabled()
}

// Registry holds the addon tier and the system tier of registrants and
// implements the run_module fold (spec §4.10).
type Registry struct {
	mu       sync.Mutex
	addons   []*Registrant // addon tier, in addon_order
	system   []*Registrant // system tier, sorted by Priority ascending on read
	logger   obslog.SLogger
	classify obslog.ErrClassifier
}

// New constructs an empty [Registry].
func New(logger obslog.SLogger, classify obslog.ErrClassifier) *Registry {
	if logger == nil {
		logger = obslog.DefaultSLogger()
	}
	if classify == nil {
		classify = obslog.DefaultErrClassifier
	}
	return &Registry{logger: logger, classify: classify}
}

// RegisterAddon appends r to the addon tier, in addon_order (spec §4.10 step 2).
func (g *Registry) RegisterAddon(r *Registrant) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addons = append(g.addons, r)
}

// RemoveAddon drops every addon-tier registrant owned by ownerID (called when
// the addon manager stops an addon).
func (g *Registry) RemoveAddon(ownerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.addons[:0:0]
	for _, r := range g.addons {
		if r.OwnerID != ownerID {
			kept = append(kept, r)
		}
	}
	g.addons = kept
}

// RegisterSystem appends r to the system tier (spec §4.10 step 4).
func (g *Registry) RegisterSystem(r *Registrant) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.system = append(g.system, r)
}

func (g *Registry) snapshot() (addons, system []*Registrant) {
	g.mu.Lock()
	defer g.mu.Unlock()
	addons = make([]*Registrant, len(g.addons))
	copy(addons, g.addons)
	system = make([]*Registrant, len(g.system))
	copy(system, g.system)
	sort.SliceStable(system, func(i, j int) bool { return system[i].Priority < system[j].Priority })
	return addons, system
}

// Run executes the run_module fold synchronously (spec §4.10).
//
// raiseException, when true, aborts the entire fold and returns the first
// registrant error instead of isolating it.
func (g *Registry) Run(ctx context.Context, method string, args []any, raiseException bool) (any, error) {
	addons, system := g.snapshot()

	result, isList, err := g.foldTier(ctx, addons, method, args, nil, false, false, raiseException)
	if err != nil {
		return nil, err
	}
	if result != nil && !isList {
		return result, nil
	}

	result, _, err = g.foldTier(ctx, system, method, args, result, isList, true, raiseException)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// foldTier walks one tier of registrants, applying the fold rules of spec
// §4.10 steps 2/4. seed/seedIsList carry an in-progress result across tiers.
// With transform set (the system tier), a non-list return that receives a
// list result replaces it, so the registrant acts as a transformer.
func (g *Registry) foldTier(ctx context.Context, tier []*Registrant, method string, args []any, seed any, seedIsList bool, transform bool, raiseException bool) (any, bool, error) {
	result := seed
	isList := seedIsList
	for _, reg := range tier {
		if !reg.enabled() {
			continue
		}
		fn, ok := reg.Methods[method]
		if !ok {
			continue
		}
		out, err := g.safeCall(fn, ctx, result, args, reg.OwnerID)
		if err != nil {
			if raiseException {
				return nil, false, err
			}
			continue
		}
		switch {
		case result == nil:
			result = out
			isList = isSliceValue(out)
		case isList && isSliceValue(out):
			result = concatSlices(result, out)
		case transform && isList:
			result = out
			isList = isSliceValue(out)
		default:
			return result, isList, nil
		}
	}
	return result, isList, nil
}

func (g *Registry) safeCall(fn MethodFunc, ctx context.Context, result any, args []any, ownerID string) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chainbase: %s panicked: %v", ownerID, r)
		}
	}()
	out, err = fn(ctx, result, args)
	if err != nil {
		class := g.classify.Classify(err)
		g.logger.Error("chainbase: registrant call failed", "owner_id", ownerID, "error", err, "class", class)
	}
	return out, err
}

// Future is the handle an async Run returns.
type Future struct {
	done chan struct{}
	res  any
	err  error
}

// Wait blocks until the async fold completes and returns its result.
func (f *Future) Wait() (any, error) {
	<-f.done
	return f.res, f.err
}

// RunAsync offloads the fold onto its own goroutine, matching the source's
// "offload to a thread pool" path for coroutine registrants (spec §4.10,
// last paragraph); Go methods are always synchronous calls, so the only
// observable difference from [Registry.Run] is that the caller's goroutine
// is not blocked for the duration of the fold.
func (g *Registry) RunAsync(ctx context.Context, method string, args []any, raiseException bool) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.res, f.err = g.Run(ctx, method, args, raiseException)
	}()
	return f
}

func isSliceValue(v any) bool {
	if v == nil {
		return false
	}
	return reflect.ValueOf(v).Kind() == reflect.Slice
}

func concatSlices(a, b any) any {
	av := reflect.ValueOf(a)
	bv := reflect.ValueOf(b)
	out := reflect.MakeSlice(av.Type(), 0, av.Len()+bv.Len())
	out = reflect.AppendSlice(out, av)
	out = reflect.AppendSlice(out, bv)
	return out.Interface()
}
