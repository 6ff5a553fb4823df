// SPDX-License-Identifier: GPL-3.0-or-later

package eventbus

import (
	"context"
	"sort"
	"sync"

	"github.com/wumode/mitmpilot-core/obslog"
	"golang.org/x/sync/errgroup"
)

// ChainHandler folds over a [ChainEvent], returning the (possibly mutated)
// Data the next subscriber — or the producer — should see.
type ChainHandler func(ctx context.Context, ev *ChainEvent) (any, error)

type chainSub struct {
	id       SubscriberID
	priority int
	handler  ChainHandler
	enabled  bool
	seq      int
}

// Chain is the ordered-fold event bus (spec §4.5 ChainEventType).
type Chain struct {
	mu      sync.RWMutex
	subs    map[ChainEventType][]*chainSub
	nextSeq int

	logger   obslog.SLogger
	classify obslog.ErrClassifier
}

// NewChain constructs an empty [Chain].
func NewChain(logger obslog.SLogger, classify obslog.ErrClassifier) *Chain {
	if logger == nil {
		logger = obslog.DefaultSLogger()
	}
	if classify == nil {
		classify = obslog.DefaultErrClassifier
	}
	return &Chain{subs: make(map[ChainEventType][]*chainSub), logger: logger, classify: classify}
}

// Subscribe registers handler under id for chain events of typ, sorted into
// the subscriber list by priority ascending (lower runs first), ties broken
// by registration order (spec §4.5 "lower first, stable insertion order").
func (c *Chain) Subscribe(id SubscriberID, typ ChainEventType, priority int, handler ChainHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := &chainSub{id: id, priority: priority, handler: handler, enabled: true, seq: c.nextSeq}
	c.nextSeq++
	list := append(c.subs[typ], sub)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority < list[j].priority
		}
		return list[i].seq < list[j].seq
	})
	c.subs[typ] = list
}

// SetEnabled toggles every subscriber matching target.
func (c *Chain) SetEnabled(target SubscriberID, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, subs := range c.subs {
		for _, s := range subs {
			if s.id == target || (target.QualifiedName == "" && s.id.matchesClass(target.ModulePath)) {
				s.enabled = enabled
			}
		}
	}
}

// Check reports whether any enabled subscriber exists for typ.
func (c *Chain) Check(typ ChainEventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.subs[typ] {
		if s.enabled {
			return true
		}
	}
	return false
}

func (c *Chain) snapshot(typ ChainEventType) []*chainSub {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*chainSub, len(c.subs[typ]))
	copy(out, c.subs[typ])
	return out
}

// Send runs the chain synchronously: each enabled subscriber is invoked in
// priority order, and the event returned to the caller carries whatever the
// last subscriber produced (spec §4.5 "producer gets the final event back").
func (c *Chain) Send(ctx context.Context, ev *ChainEvent) *ChainEvent {
	for _, s := range c.snapshot(ev.Type) {
		if !s.enabled {
			continue
		}
		c.invoke(ctx, s, ev)
	}
	return ev
}

// SendAsync runs the same ordered fold Send does — each enabled subscriber
// in priority order, seeing the previous subscriber's mutation — but off the
// caller's own goroutine, so the caller isn't blocked while the chain runs.
// The original's async dispatcher still folds sequentially, one handler at a
// time (event.py's __dispatch_chain_event_async); running subscribers
// concurrently here would mean no subscriber ever observes a predecessor's
// mutation, which is not the fold the spec describes.
func (c *Chain) SendAsync(ctx context.Context, ev *ChainEvent) (*ChainEvent, error) {
	subs := c.snapshot(ev.Type)
	var g errgroup.Group
	g.Go(func() error {
		for _, s := range subs {
			if !s.enabled {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			c.invoke(ctx, s, ev)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return ev, err
	}
	return ev, nil
}

func (c *Chain) invoke(ctx context.Context, s *chainSub, ev *ChainEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("eventbus: chain subscriber panicked", "subscriber", s.id.String(), "event_type", ev.Type, "panic", r)
		}
	}()
	data, err := s.handler(ctx, ev)
	if err != nil {
		c.logFailure(s, ev, err)
		return
	}
	ev.Data = data
}

func (c *Chain) logFailure(s *chainSub, ev *ChainEvent, err error) {
	class := c.classify.Classify(err)
	c.logger.Error("eventbus: chain subscriber failed", "subscriber", s.id.String(), "event_type", ev.Type, "error", err, "class", class)
}
