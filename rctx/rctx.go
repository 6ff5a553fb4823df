// SPDX-License-Identifier: GPL-3.0-or-later

// Package rctx composes every subsystem into a single runtime context,
// breaking the addon manager / scheduler / event bus cyclic dependency the
// source resolves with a global singleton module (spec §9 "Cyclic
// dependencies (AddonManager <-> Scheduler <-> EventBus)"). Components are
// constructed once, in dependency order (modules -> hook chains -> event bus
// -> scheduler -> chainbase -> proxy master -> addon manager), and handed
// this context instead of importing each other directly. The scheduler is
// therefore built before the proxy master and the addon manager, not after.
package rctx

import (
	"context"
	"sync"
	"time"

	"github.com/wumode/mitmpilot-core/addon"
	"github.com/wumode/mitmpilot-core/cache"
	"github.com/wumode/mitmpilot-core/chainbase"
	"github.com/wumode/mitmpilot-core/eventbus"
	"github.com/wumode/mitmpilot-core/hookchain"
	"github.com/wumode/mitmpilot-core/modmgr"
	"github.com/wumode/mitmpilot-core/obslog"
	"github.com/wumode/mitmpilot-core/proxymaster"
	"github.com/wumode/mitmpilot-core/ratelimit"
	"github.com/wumode/mitmpilot-core/scheduler"
)

const (
	addonMarketRefreshJobID = "builtin.addon_market_refresh"
	cacheClearJobID         = "builtin.cache_clear"
	schedulerFanOutJobID    = "builtin.scheduler_fanout"
)

// Config tunes every subsystem a [Context] composes.
type Config struct {
	Engine       proxymaster.Engine
	ProxyOptions proxymaster.Options

	Broadcast eventbus.BroadcastConfig
	Scheduler scheduler.Config

	// CacheLifespan sizes the built-in cache-clear job's interval
	// (cache_lifespan/3600h, spec §4.9).
	CacheLifespan time.Duration

	Logger   obslog.SLogger
	Classify obslog.ErrClassifier

	// MarketplaceRefresh is invoked by the built-in addon-marketplace-refresh
	// job (every 30min, spec §4.9). Nil disables the job.
	MarketplaceRefresh func(ctx context.Context) error
	// CacheRegions lists the cache regions the built-in cache-clear job
	// drains every tick.
	CacheRegions []*cache.Region
}

// Context is the process-wide composition root (spec §9).
type Context struct {
	Logger   obslog.SLogger
	Classify obslog.ErrClassifier

	Hooks       *addon.HookChains
	AsyncHooks  asyncHookChains
	Broadcast   *eventbus.Broadcast
	Chain       *eventbus.Chain
	Modules     *modmgr.Manager
	Scheduler   *scheduler.Scheduler
	ChainBase   *chainbase.Registry
	ProxyMaster *proxymaster.ProxyMaster
	Addons      *addon.Manager

	mu            sync.Mutex
	cacheLifespan time.Duration
	cacheRegions  []*cache.Region
	marketRefresh func(ctx context.Context) error
	marketLimiter *ratelimit.ExponentialBackoffRateLimiter
	proxyOptions  proxymaster.Options
	busCtx        context.Context
	busCancel     context.CancelFunc
}

type asyncHookChains struct {
	Request         *hookchain.AsyncChain
	Response        *hookchain.AsyncChain
	RequestHeaders  *hookchain.AsyncChain
	ResponseHeaders *hookchain.AsyncChain
	Error           *hookchain.AsyncChain
}

// New constructs every subsystem in dependency order (modules -> hook chains
// -> event bus -> scheduler -> chainbase -> proxy master -> addon manager)
// but does not start anything; call [Context.Start] once the caller has
// finished registering system modules and discovering addons.
func New(cfg Config) *Context {
	if cfg.Logger == nil {
		cfg.Logger = obslog.DefaultSLogger()
	}
	if cfg.Classify == nil {
		cfg.Classify = obslog.DefaultErrClassifier
	}

	// modules
	modules := modmgr.New()

	// routers (the C3 hook chains, sync and async)
	hooks := &addon.HookChains{
		Request:         hookchain.NewChain(cfg.Logger, cfg.Classify),
		Response:        hookchain.NewChain(cfg.Logger, cfg.Classify),
		RequestHeaders:  hookchain.NewChain(cfg.Logger, cfg.Classify),
		ResponseHeaders: hookchain.NewChain(cfg.Logger, cfg.Classify),
		Error:           hookchain.NewChain(cfg.Logger, cfg.Classify),
	}
	asyncHooks := asyncHookChains{
		Request:         hookchain.NewAsyncChain(cfg.Logger, cfg.Classify),
		Response:        hookchain.NewAsyncChain(cfg.Logger, cfg.Classify),
		RequestHeaders:  hookchain.NewAsyncChain(cfg.Logger, cfg.Classify),
		ResponseHeaders: hookchain.NewAsyncChain(cfg.Logger, cfg.Classify),
		Error:           hookchain.NewAsyncChain(cfg.Logger, cfg.Classify),
	}

	busCtx, busCancel := context.WithCancel(context.Background())
	broadcastCfg := cfg.Broadcast
	if broadcastCfg.Logger == nil {
		broadcastCfg.Logger = cfg.Logger
	}
	if broadcastCfg.Classify == nil {
		broadcastCfg.Classify = cfg.Classify
	}
	broadcast := eventbus.NewBroadcast(busCtx, broadcastCfg)
	chain := eventbus.NewChain(cfg.Logger, cfg.Classify)

	schedCfg := cfg.Scheduler
	if schedCfg.Logger == nil {
		schedCfg.Logger = cfg.Logger
	}
	if schedCfg.Classify == nil {
		schedCfg.Classify = cfg.Classify
	}
	sched := scheduler.New(schedCfg)

	base := chainbase.New(cfg.Logger, cfg.Classify)

	// proxy master
	pm := proxymaster.New(proxymaster.Config{
		Engine: cfg.Engine,
		Chains: proxymaster.Chains{
			SyncRequest:          hooks.Request,
			SyncResponse:         hooks.Response,
			AsyncRequest:         asyncHooks.Request,
			AsyncResponse:        asyncHooks.Response,
			SyncRequestHeaders:   hooks.RequestHeaders,
			SyncResponseHeaders:  hooks.ResponseHeaders,
			AsyncRequestHeaders:  asyncHooks.RequestHeaders,
			AsyncResponseHeaders: asyncHooks.ResponseHeaders,
		},
		Logger: cfg.Logger,
	})

	// addon manager
	addons := addon.New(hooks, broadcast, chain, sched, pm, cfg.Logger, cfg.Classify)

	marketLimiterCfg := ratelimit.NewConfig("addon-marketplace-refresh")
	marketLimiterCfg.Logger = cfg.Logger

	c := &Context{
		Logger:        cfg.Logger,
		Classify:      cfg.Classify,
		Hooks:         hooks,
		AsyncHooks:    asyncHooks,
		Broadcast:     broadcast,
		Chain:         chain,
		Modules:       modules,
		Scheduler:     sched,
		ChainBase:     base,
		ProxyMaster:   pm,
		Addons:        addons,
		cacheLifespan: cfg.CacheLifespan,
		cacheRegions:  cfg.CacheRegions,
		marketRefresh: cfg.MarketplaceRefresh,
		marketLimiter: ratelimit.New(marketLimiterCfg),
		proxyOptions:  cfg.ProxyOptions,
		busCtx:        busCtx,
		busCancel:     busCancel,
	}
	c.Chain.Subscribe(eventbus.SubscriberID{ModulePath: "rctx", QualifiedName: "handleConfigChanged"}, eventbus.ChainEventType("ConfigChanged"), 0, c.handleConfigChanged)
	return c
}

// Start brings up the module manager, registers the built-in scheduler jobs,
// and starts the proxy master (spec §4.9 "Built-in jobs at start"). The
// scheduler fan-out job is always registered; the cache-clear job only when
// cache regions are configured, and the marketplace-refresh job only when
// MarketplaceRefresh is set.
func (c *Context) Start(ctx context.Context, settings modmgr.Settings) error {
	if err := c.Modules.StartAll(ctx, settings); err != nil {
		return err
	}
	c.armBuiltinJobs(ctx)
	return c.ProxyMaster.Start(ctx, c.proxyOptions)
}

func (c *Context) armBuiltinJobs(ctx context.Context) {
	if len(c.cacheRegions) > 0 {
		lifespan := c.cacheLifespan
		if lifespan <= 0 {
			lifespan = time.Hour
		}
		c.Scheduler.Register(ctx, cacheClearJobID, "cache clear", "", scheduler.IntervalTrigger{Period: lifespan}, c.clearCaches)
	}
	c.Scheduler.Register(ctx, schedulerFanOutJobID, "scheduler fan-out", "", scheduler.IntervalTrigger{Period: 10 * time.Minute}, c.runSchedulerFanOut)
	if c.marketRefresh != nil {
		c.Scheduler.Register(ctx, addonMarketRefreshJobID, "addon marketplace refresh", "", scheduler.IntervalTrigger{Period: 30 * time.Minute}, c.runMarketRefresh)
	}
}

// runMarketRefresh wraps the configured marketplace fetch in a backoff so a
// string of failures (the remote marketplace being down, rate-limiting this
// process itself) spaces retries out instead of hammering it every 30
// minutes regardless (spec §9 supplemented feature, rate limiter available
// "for addons' own outbound calls" — the marketplace refresh is exactly such
// a call).
func (c *Context) runMarketRefresh(ctx context.Context) error {
	if ok, msg := c.marketLimiter.CanCall(); !ok {
		c.Logger.Info(msg)
		return nil
	}
	if err := c.marketRefresh(ctx); err != nil {
		c.marketLimiter.TriggerLimit()
		return err
	}
	c.marketLimiter.Reset()
	return nil
}

func (c *Context) clearCaches(ctx context.Context) error {
	for _, r := range c.cacheRegions {
		if err := r.Clear(ctx); err != nil {
			return err
		}
	}
	return nil
}

// runSchedulerFanOut invokes the chainbase "scheduler_job" method across
// every addon and system module, giving background modules a shared 10-minute
// tick without each needing its own scheduler registration.
func (c *Context) runSchedulerFanOut(ctx context.Context) error {
	_, err := c.ChainBase.Run(ctx, "scheduler_job", nil, false)
	return err
}

// OnConfigChanged rebuilds the cache-clear job's interval when
// cache_lifespan changes (spec §9 supplemented feature, "config-change
// reinitialization").
func (c *Context) OnConfigChanged(ctx context.Context, cacheLifespan time.Duration) {
	c.mu.Lock()
	c.cacheLifespan = cacheLifespan
	c.mu.Unlock()
	c.Scheduler.Remove(cacheClearJobID)
	if len(c.cacheRegions) > 0 {
		c.Scheduler.Register(ctx, cacheClearJobID, "cache clear", "", scheduler.IntervalTrigger{Period: cacheLifespan}, c.clearCaches)
	}
}

func (c *Context) handleConfigChanged(ctx context.Context, ev *eventbus.ChainEvent) (any, error) {
	if data, ok := ev.Data.(map[string]any); ok {
		if lifespan, ok := data["cache_lifespan"].(time.Duration); ok {
			c.OnConfigChanged(ctx, lifespan)
		}
	}
	return ev.Data, nil
}

// Stop tears the subsystems down in this order: scheduler, addon manager,
// proxy master, event bus, modules. This is not the exact reverse of [New]'s
// construction order: the scheduler, built before the proxy master and the
// addon manager, is stopped first.
func (c *Context) Stop(ctx context.Context) {
	c.Scheduler.Stop()
	c.Addons.StopAll()
	c.ProxyMaster.Stop(ctx)
	c.Broadcast.Stop()
	c.busCancel()
	c.Modules.StopAll(ctx)
}
