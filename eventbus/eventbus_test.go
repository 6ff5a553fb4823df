// SPDX-License-Identifier: GPL-3.0-or-later

package eventbus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// P5: a disabled subscriber receives no events; enabling it restores delivery.
func TestPropertyDisabledSubscriberSkipped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewBroadcast(ctx, NewConfig())
	defer b.Stop()

	id := SubscriberID{ModulePath: "addons.foo", QualifiedName: "OnLoaded"}
	var mu sync.Mutex
	count := 0
	b.Subscribe(id, EventAddonLoaded, func(ctx context.Context, ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, false)
	b.SetEnabled(id, false)

	b.Publish(NewEvent(EventAddonLoaded, nil, 0))
	waitForIdle(b)
	mu.Lock()
	assert.Equal(t, 0, count)
	mu.Unlock()

	b.SetEnabled(id, true)
	b.Publish(NewEvent(EventAddonLoaded, nil, 0))
	waitForIdle(b)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func waitForIdle(b *Broadcast) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		empty := b.queue.Len() == 0
		b.mu.Unlock()
		if empty {
			time.Sleep(20 * time.Millisecond)
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// P6: a chain event with k enabled subscribers sees exactly k invocations, in
// priority order; disabled subscribers are skipped silently.
func TestPropertyChainDispatchShape(t *testing.T) {
	c := NewChain(nil, nil)
	var order []int
	for _, p := range []int{20, 5, 10} {
		p := p
		c.Subscribe(SubscriberID{ModulePath: "addons.x", QualifiedName: fmt.Sprintf("h%d", p)}, ChainAuthVerification, p,
			func(ctx context.Context, ev *ChainEvent) (any, error) {
				order = append(order, p)
				return ev.Data, nil
			})
	}
	disabledID := SubscriberID{ModulePath: "addons.y", QualifiedName: "disabled"}
	c.Subscribe(disabledID, ChainAuthVerification, 1, func(ctx context.Context, ev *ChainEvent) (any, error) {
		order = append(order, 1)
		return ev.Data, nil
	})
	c.SetEnabled(disabledID, false)

	c.Send(context.Background(), NewChainEvent(ChainAuthVerification, map[string]any{}))
	assert.Equal(t, []int{5, 10, 20}, order)
}

// P7: concurrent broadcasts deliver to all enabled subscribers, and each
// subscriber's mutation of its own copy is invisible to siblings.
func TestPropertyBroadcastIsolation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewBroadcast(ctx, NewConfig())
	defer b.Stop()

	var mu sync.Mutex
	seenA, seenB := 0, 0
	var bSawMutation bool
	b.Subscribe(SubscriberID{ModulePath: "addons.a"}, EventAddonLoaded, func(ctx context.Context, ev Event) {
		mu.Lock()
		seenA++
		mu.Unlock()
		data := ev.Data.(map[string]any)
		data["mutated_by_a"] = true
	}, false)
	b.Subscribe(SubscriberID{ModulePath: "addons.b"}, EventAddonLoaded, func(ctx context.Context, ev Event) {
		mu.Lock()
		seenB++
		mu.Unlock()
		data := ev.Data.(map[string]any)
		if _, ok := data["mutated_by_a"]; ok {
			mu.Lock()
			bSawMutation = true
			mu.Unlock()
		}
	}, false)

	for i := 0; i < 5; i++ {
		b.Publish(NewEvent(EventAddonLoaded, map[string]any{"i": i}, 0))
	}
	waitForIdle(b)
	mu.Lock()
	assert.Equal(t, 5, seenA)
	assert.Equal(t, 5, seenB)
	assert.False(t, bSawMutation, "subscriber b must not observe subscriber a's mutation of its own event data copy")
	mu.Unlock()
}

// S5: priority-5 subscriber mutates token before priority-20 sees it.
func TestScenarioAuthVerificationChain(t *testing.T) {
	c := NewChain(nil, nil)
	c.Subscribe(SubscriberID{ModulePath: "addons.auth", QualifiedName: "Issue"}, ChainAuthVerification, 5,
		func(ctx context.Context, ev *ChainEvent) (any, error) {
			data := ev.Data.(map[string]any)
			data["token"] = "issued-token"
			return data, nil
		})
	var sawToken string
	c.Subscribe(SubscriberID{ModulePath: "addons.auth", QualifiedName: "Verify"}, ChainAuthVerification, 20,
		func(ctx context.Context, ev *ChainEvent) (any, error) {
			data := ev.Data.(map[string]any)
			sawToken, _ = data["token"].(string)
			return data, nil
		})

	result := c.Send(context.Background(), NewChainEvent(ChainAuthVerification, map[string]any{"grant_type": "password"}))
	require.NotNil(t, result)
	assert.Equal(t, "issued-token", sawToken)
}

// SendAsync must fold sequentially, same as Send: a later-priority subscriber
// sees an earlier one's mutation.
func TestSendAsyncFoldsSequentiallyLikeSend(t *testing.T) {
	c := NewChain(nil, nil)
	c.Subscribe(SubscriberID{ModulePath: "addons.auth", QualifiedName: "Issue"}, ChainAuthVerification, 5,
		func(ctx context.Context, ev *ChainEvent) (any, error) {
			data := ev.Data.(map[string]any)
			data["token"] = "issued-token"
			return data, nil
		})
	var sawToken string
	c.Subscribe(SubscriberID{ModulePath: "addons.auth", QualifiedName: "Verify"}, ChainAuthVerification, 20,
		func(ctx context.Context, ev *ChainEvent) (any, error) {
			data := ev.Data.(map[string]any)
			sawToken, _ = data["token"].(string)
			return data, nil
		})

	result, err := c.SendAsync(context.Background(), NewChainEvent(ChainAuthVerification, map[string]any{"grant_type": "password"}))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "issued-token", sawToken)
}

func TestCheckReportsLiveSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewBroadcast(ctx, NewConfig())
	defer b.Stop()

	assert.False(t, b.Check(EventAddonStopped))
	id := SubscriberID{ModulePath: "addons.x"}
	b.Subscribe(id, EventAddonStopped, func(context.Context, Event) {}, false)
	assert.True(t, b.Check(EventAddonStopped))
	b.SetEnabled(id, false)
	assert.False(t, b.Check(EventAddonStopped))
}
