// SPDX-License-Identifier: GPL-3.0-or-later

package rctx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wumode/mitmpilot-core/cache"
	"github.com/wumode/mitmpilot-core/eventbus"
	"github.com/wumode/mitmpilot-core/modmgr"
	"github.com/wumode/mitmpilot-core/proxymaster"
	"github.com/wumode/mitmpilot-core/scheduler"
)

// cacheClearTrigger returns the trigger description of the cache-clear job,
// and whether that job is registered.
func cacheClearTrigger(c *Context) (string, bool) {
	for _, j := range c.Scheduler.List() {
		if j.ID == cacheClearJobID {
			return j.Trigger, true
		}
	}
	return "", false
}

type noopEngine struct{ served chan struct{} }

func (e *noopEngine) Serve(ctx context.Context, opts proxymaster.Options, h proxymaster.EngineHandler) error {
	close(e.served)
	<-ctx.Done()
	return ctx.Err()
}

type fakeSettings struct{}

func (fakeSettings) Get(key string) (any, bool) { return nil, false }

func TestNewComposesAndStartStop(t *testing.T) {
	eng := &noopEngine{served: make(chan struct{})}
	c := New(Config{Engine: eng, CacheLifespan: time.Hour})

	require.NoError(t, c.Start(context.Background(), fakeSettings{}))
	<-eng.served
	assert.Equal(t, proxymaster.StateRunning, c.ProxyMaster.Status())

	jobs := c.Scheduler.List()
	ids := map[string]bool{}
	for _, j := range jobs {
		ids[j.ID] = true
	}
	assert.True(t, ids[schedulerFanOutJobID])

	c.Stop(context.Background())
	assert.Equal(t, proxymaster.StateIdle, c.ProxyMaster.Status())
}

func TestOnConfigChangedRearmsCacheClearJob(t *testing.T) {
	eng := &noopEngine{served: make(chan struct{})}
	region := cache.NewRegion("test", cache.NewMemoryBackend(cache.EvictionTTL, 0))
	c := New(Config{Engine: eng, CacheLifespan: time.Hour, CacheRegions: []*cache.Region{region}})
	defer c.Stop(context.Background())

	c.OnConfigChanged(context.Background(), 2*time.Hour)
	trigger, found := cacheClearTrigger(c)
	require.True(t, found)
	assert.Equal(t, scheduler.IntervalTrigger{Period: 2 * time.Hour}.Describe(), trigger)
}

func TestConfigChangedChainEventRearmsJob(t *testing.T) {
	eng := &noopEngine{served: make(chan struct{})}
	region := cache.NewRegion("test", cache.NewMemoryBackend(cache.EvictionTTL, 0))
	c := New(Config{Engine: eng, CacheRegions: []*cache.Region{region}})
	defer c.Stop(context.Background())

	out := c.Chain.Send(context.Background(), eventbus.NewChainEvent(eventbus.ChainEventType("ConfigChanged"), map[string]any{
		"cache_lifespan": 3 * time.Hour,
	}))
	require.NotNil(t, out)
	trigger, found := cacheClearTrigger(c)
	require.True(t, found)
	assert.Equal(t, scheduler.IntervalTrigger{Period: 3 * time.Hour}.Describe(), trigger)
}
