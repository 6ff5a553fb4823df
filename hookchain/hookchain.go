// SPDX-License-Identifier: GPL-3.0-or-later

// Package hookchain implements the priority-ordered hook registry dispatched
// by the proxy master on every flow (C3, spec §4.3).
//
// Two flavors coexist here: [Chain] runs hook functions synchronously on the
// calling goroutine, while [AsyncChain] schedules each hook function on its
// own goroutine and waits for the set to finish before returning — addons
// whose hook bodies do their own blocking I/O register on the async variant
// so a slow hook cannot stall the others ahead of it in program order.
package hookchain

import (
	"context"
	"sort"
	"sync"

	"github.com/wumode/mitmpilot-core/flow"
	"github.com/wumode/mitmpilot-core/obslog"
	"github.com/wumode/mitmpilot-core/rule"
	"golang.org/x/sync/errgroup"
)

// Func is a hook body invoked with the flow it was dispatched for.
type Func func(ctx context.Context, f *flow.Flow) error

// Hook is one registered addon callback against an event kind (spec §4.1 Hook).
type Hook struct {
	// ID is the owning addon's identifier, used by [Chain.RemoveByID].
	ID string
	// Rule gates dispatch; nil matches every flow.
	Rule rule.Node
	// Priority orders the hook within its event's list, descending.
	Priority int
	// IgnoreRest stops the chain after this hook runs, without aborting it.
	IgnoreRest bool
	// Func is the hook body.
	Func Func
	// IsEnabled is re-checked on every dispatch so a disabled addon's hooks are
	// inert without needing to be re-registered.
	IsEnabled func() bool

	seq int // insertion sequence, used to break priority ties
}

func (h *Hook) enabled() bool {
	if h.IsEnabled == nil {
		return true
	}
	return h.IsEnabled()
}

// Chain is the synchronous hook dispatcher for one event kind.
type Chain struct {
	mu       sync.RWMutex
	hooks    []*Hook
	nextSeq  int
	logger   obslog.SLogger
	classify obslog.ErrClassifier
}

// NewChain constructs an empty [Chain]. A nil logger or classifier falls back
// to the package defaults (spec §9 ambient-stack convention).
func NewChain(logger obslog.SLogger, classify obslog.ErrClassifier) *Chain {
	if logger == nil {
		logger = obslog.DefaultSLogger()
	}
	if classify == nil {
		classify = obslog.DefaultErrClassifier
	}
	return &Chain{logger: logger, classify: classify}
}

// Add inserts hook, keeping the list sorted by Priority descending with
// insertion-order tie-break (spec §4.3 add).
func (c *Chain) Add(h *Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h.seq = c.nextSeq
	c.nextSeq++
	c.hooks = append(c.hooks, h)
	sort.SliceStable(c.hooks, func(i, j int) bool {
		return c.hooks[i].Priority > c.hooks[j].Priority
	})
}

// RemoveByID drops every hook owned by ownerID, leaving the relative order of
// remaining hooks untouched (spec §4.3 removeById, property P4).
func (c *Chain) RemoveByID(ownerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.hooks[:0:0]
	for _, h := range c.hooks {
		if h.ID != ownerID {
			kept = append(kept, h)
		}
	}
	c.hooks = kept
}

// Len reports the number of registered hooks, for tests and diagnostics.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hooks)
}

func (c *Chain) snapshot() []*Hook {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Hook, len(c.hooks))
	copy(out, c.hooks)
	return out
}

// Dispatch walks the hook list in priority order (spec §4.3 dispatch).
//
// A disabled hook is skipped. A hook whose rule does not match the flow
// ABORTS the remainder of the chain — this mirrors the source behavior
// exactly and is not a bug: see spec §4.3 step 2 and §9 Open Questions.
func (c *Chain) Dispatch(ctx context.Context, f *flow.Flow) {
	for _, h := range c.snapshot() {
		if !h.enabled() {
			continue
		}
		if h.Rule != nil && !rule.Matches(h.Rule, f) {
			return
		}
		c.invoke(ctx, h, f)
		if h.IgnoreRest {
			break
		}
	}
}

func (c *Chain) invoke(ctx context.Context, h *Hook, f *flow.Flow) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("hookchain: hook panicked", "addon_id", h.ID, "flow_id", f.ID, "panic", r)
		}
	}()
	if err := h.Func(ctx, f); err != nil {
		class := c.classify.Classify(err)
		c.logger.Error("hookchain: hook failed", "addon_id", h.ID, "flow_id", f.ID, "error", err, "class", class)
	}
}

// AsyncChain is the suspension-friendly counterpart to [Chain]: each enabled,
// matching hook runs on its own goroutine. IgnoreRest stops the launching of
// further hooks as soon as its hook is launched, and Dispatch waits once, at
// the end, for every launched hook — the same abort-on-rule-mismatch and
// ignore-rest semantics apply.
type AsyncChain struct {
	*Chain
}

// NewAsyncChain constructs an empty [AsyncChain].
func NewAsyncChain(logger obslog.SLogger, classify obslog.ErrClassifier) *AsyncChain {
	return &AsyncChain{Chain: NewChain(logger, classify)}
}

// Dispatch runs each hook in its own goroutine, collecting errors without
// letting one hook's failure cancel its siblings (errgroup with no
// WithContext cancellation path used deliberately, spec §4.3 failure semantics).
func (c *AsyncChain) Dispatch(ctx context.Context, f *flow.Flow) {
	var g errgroup.Group
	for _, h := range c.snapshot() {
		if !h.enabled() {
			continue
		}
		if h.Rule != nil && !rule.Matches(h.Rule, f) {
			break
		}
		h := h
		g.Go(func() error {
			c.invoke(ctx, h, f)
			return nil
		})
		if h.IgnoreRest {
			break
		}
	}
	_ = g.Wait()
}
