// SPDX-License-Identifier: GPL-3.0-or-later

package eventbus

import (
	"container/heap"
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/wumode/mitmpilot-core/obslog"
	"github.com/wumode/mitmpilot-core/ratelimit"
)

// BroadcastHandler is a subscriber callback for a broadcast [Event]. Each
// handler receives its own shallow copy of Data (spec §4.5 "deep-enough copy
// of event data to prevent cross-handler interference"), so one handler's
// top-level mutation is invisible to a sibling — matching the original's
// per-handler event_data_copy = event.event_data.copy() (event.py).
type BroadcastHandler func(ctx context.Context, ev Event)

type broadcastSub struct {
	id      SubscriberID
	handler BroadcastHandler
	async   bool
	enabled bool
}

// pqItem is one queued broadcast event, ordered by Priority then enqueue order.
type pqItem struct {
	ev    Event
	seq   int64
	index int
}

type eventHeap []*pqItem

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].ev.Priority != h[j].ev.Priority {
		return h[i].ev.Priority < h[j].ev.Priority
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *eventHeap) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// BroadcastConfig tunes [Broadcast]'s consumer pool and idle backoff.
type BroadcastConfig struct {
	// Consumers is the number of goroutines pulling from the priority queue.
	Consumers int
	// SyncWorkers bounds the goroutine pool synchronous handlers run on.
	SyncWorkers int
	// IdleBackoffInitial/IdleBackoffMax/IdleBackoffFactor/
	// IdleBackoffJitterFactor shape the drain loop's idle sleep when the
	// queue is empty (spec §4.5, §9 "do not replace with a blocking dequeue
	// unless the primitive supports interruption plus priority"); they feed
	// a [ratelimit.ExponentialBackoffRateLimiter], the same rate limiter
	// addons use for their own outbound calls, configured with jitter 0.1 to
	// match the original's __broadcast_consumer_loop (event.py) so that many
	// idle consumers don't all wake in lockstep.
	IdleBackoffInitial      time.Duration
	IdleBackoffMax          time.Duration
	IdleBackoffFactor       float64
	IdleBackoffJitterFactor float64

	Logger   obslog.SLogger
	Classify obslog.ErrClassifier
}

// NewConfig returns a [BroadcastConfig] with the spec's defaults: 1 consumer,
// a 100-worker sync pool, 1s→5s ×2 idle backoff with 0.1 jitter.
func NewConfig() BroadcastConfig {
	return BroadcastConfig{
		Consumers:               1,
		SyncWorkers:             100,
		IdleBackoffInitial:      time.Second,
		IdleBackoffMax:          5 * time.Second,
		IdleBackoffFactor:       2,
		IdleBackoffJitterFactor: 0.1,
		Logger:                  obslog.DefaultSLogger(),
		Classify:                obslog.DefaultErrClassifier,
	}
}

// Broadcast is the fan-out, fire-and-forget event bus (spec §4.5).
type Broadcast struct {
	cfg BroadcastConfig

	mu     sync.Mutex
	subs   map[EventType][]*broadcastSub
	queue  eventHeap
	seq    int64
	closed bool
	done   chan struct{}

	sem chan struct{} // bounds concurrently-running sync handlers

	idleLimiter *ratelimit.ExponentialBackoffRateLimiter

	wg sync.WaitGroup
}

// NewBroadcast constructs a [Broadcast] bus and starts its consumer pool.
// Stop must be called to release the consumer goroutines.
func NewBroadcast(ctx context.Context, cfg BroadcastConfig) *Broadcast {
	if cfg.Consumers <= 0 {
		cfg.Consumers = 1
	}
	if cfg.SyncWorkers <= 0 {
		cfg.SyncWorkers = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = obslog.DefaultSLogger()
	}
	if cfg.Classify == nil {
		cfg.Classify = obslog.DefaultErrClassifier
	}
	b := &Broadcast{
		cfg:  cfg,
		subs: make(map[EventType][]*broadcastSub),
		sem:  make(chan struct{}, cfg.SyncWorkers),
		done: make(chan struct{}),
		idleLimiter: ratelimit.New(ratelimit.Config{
			Source:        "BroadcastConsumer",
			BaseWait:      cfg.IdleBackoffInitial,
			MaxWait:       cfg.IdleBackoffMax,
			BackoffFactor: cfg.IdleBackoffFactor,
			JitterFactor:  cfg.IdleBackoffJitterFactor,
			Logger:        cfg.Logger,
		}),
	}
	heap.Init(&b.queue)
	for i := 0; i < cfg.Consumers; i++ {
		b.wg.Add(1)
		go b.consume(ctx)
	}
	return b
}

// Subscribe registers handler under id for events of typ. async marks the
// handler to be scheduled on its own goroutine instead of the bounded sync
// worker pool (spec §4.5 "asynchronous subscribers are scheduled on the async
// runtime").
func (b *Broadcast) Subscribe(id SubscriberID, typ EventType, handler BroadcastHandler, async bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[typ] = append(b.subs[typ], &broadcastSub{id: id, handler: handler, async: async, enabled: true})
}

// SetEnabled toggles every subscriber matching target (module path, or
// module-path+qualified-name) across all event types.
func (b *Broadcast) SetEnabled(target SubscriberID, enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subs {
		for _, s := range subs {
			if s.id == target || (target.QualifiedName == "" && s.id.matchesClass(target.ModulePath)) {
				s.enabled = enabled
			}
		}
	}
}

// Unsubscribe removes every subscriber matching target.
func (b *Broadcast) Unsubscribe(target SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for typ, subs := range b.subs {
		kept := subs[:0:0]
		for _, s := range subs {
			if s.id != target && !(target.QualifiedName == "" && s.id.matchesClass(target.ModulePath)) {
				kept = append(kept, s)
			}
		}
		b.subs[typ] = kept
	}
}

// Check reports whether any enabled subscriber exists for typ (spec §4.5
// check(eventType), used by producers to skip constructing dead payloads).
func (b *Broadcast) Check(typ EventType) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs[typ] {
		if s.enabled {
			return true
		}
	}
	return false
}

// Publish enqueues ev for asynchronous dispatch.
func (b *Broadcast) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.seq++
	heap.Push(&b.queue, &pqItem{ev: ev, seq: b.seq})
}

// Stop prevents further publishes, signals the consumers to exit and waits
// until every consumer goroutine has returned.
func (b *Broadcast) Stop() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	close(b.done)
	b.wg.Wait()
}

// consume pops and dispatches events, idling via idleLimiter's exponential
// backoff-with-jitter when the queue is empty (spec §4.5: initial 1s, cap 5s,
// factor 2, jitter 0.1). A condition variable would wake instantly on
// Publish but cannot be interrupted by Stop without also signaling on close;
// polling with backoff keeps both paths simple and bounds idle CPU to one
// wakeup per backoff interval.
func (b *Broadcast) consume(ctx context.Context) {
	defer b.wg.Done()
	timer := time.NewTimer(b.idleLimiter.Wait())
	defer timer.Stop()
	for {
		item, subs, ok := b.tryPop()
		if ok {
			b.idleLimiter.Reset()
			b.dispatch(ctx, item.ev, subs)
			if ctx.Err() != nil || b.isClosed() {
				return
			}
			continue
		}
		if b.isClosed() {
			return
		}
		timer.Reset(b.idleLimiter.Wait())
		select {
		case <-timer.C:
			b.idleLimiter.TriggerLimit()
		case <-b.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (b *Broadcast) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed && b.queue.Len() == 0
}

func (b *Broadcast) tryPop() (*pqItem, []*broadcastSub, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queue.Len() == 0 {
		return nil, nil, false
	}
	item := heap.Pop(&b.queue).(*pqItem)
	subs := append([]*broadcastSub(nil), b.subs[item.ev.Type]...)
	return item, subs, true
}

func (b *Broadcast) dispatch(ctx context.Context, ev Event, subs []*broadcastSub) {
	var wg sync.WaitGroup
	for _, s := range subs {
		if !s.enabled {
			continue
		}
		s := s
		if s.async {
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.invoke(ctx, s, ev)
			}()
			continue
		}
		b.sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-b.sem }()
			b.invoke(ctx, s, ev)
		}()
	}
	wg.Wait()
}

func (b *Broadcast) invoke(ctx context.Context, s *broadcastSub, ev Event) {
	ev.Data = shallowCopyData(ev.Data)
	defer func() {
		if r := recover(); r != nil {
			b.cfg.Logger.Error("eventbus: broadcast subscriber panicked", "subscriber", s.id.String(), "event_type", ev.Type, "panic", r)
			b.Publish(NewEvent(EventSystemError, r, 0))
		}
	}()
	s.handler(ctx, ev)
}

// shallowCopyData returns a shallow, top-level copy of data when it is a map
// or slice, isolating one handler's key/index-level mutations from a
// sibling's view (spec §4.5 "deep-enough copy"; the original only shallow-
// copies dict-shaped event_data for the same reason, event.py). Any other
// shape (scalar, struct, pointer) is returned unchanged — a pointer payload
// is the producer's explicit choice to share state across handlers.
func shallowCopyData(data any) any {
	if data == nil {
		return nil
	}
	v := reflect.ValueOf(data)
	switch v.Kind() {
	case reflect.Map:
		cp := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			cp.SetMapIndex(iter.Key(), iter.Value())
		}
		return cp.Interface()
	case reflect.Slice:
		cp := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		reflect.Copy(cp, v)
		return cp.Interface()
	default:
		return data
	}
}
