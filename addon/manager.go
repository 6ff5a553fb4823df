// SPDX-License-Identifier: GPL-3.0-or-later

// Package addon implements the addon lifecycle manager (C6, spec §4.6): the
// process-wide registry that discovers, loads, initializes, reloads and
// stops addons, wiring each into the hook chains, event bus, scheduler and
// proxy master as its state demands.
package addon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wumode/mitmpilot-core/addonapi"
	"github.com/wumode/mitmpilot-core/eventbus"
	"github.com/wumode/mitmpilot-core/flow"
	"github.com/wumode/mitmpilot-core/hookchain"
	"github.com/wumode/mitmpilot-core/obslog"
	"github.com/wumode/mitmpilot-core/proxymaster"
	"github.com/wumode/mitmpilot-core/rule"
	"github.com/wumode/mitmpilot-core/scheduler"
)

// State is an addon's position in the spec §4.6 lifecycle state machine.
type State string

const (
	StateDiscovered  State = "discovered"
	StateLoaded      State = "loaded"
	StateInitialized State = "initialized"
	StateRunning     State = "running"
)

// Factory constructs a fresh addon instance. Addons in this Go port are
// compiled into the binary and registered by id rather than discovered from
// a filesystem package layout (spec §6.3's directory-per-addon format maps
// to a registered constructor function here); see DESIGN.md.
type Factory func() (addonapi.Lifecycle, error)

// entry is the manager's bookkeeping record for one addon.
type entry struct {
	id      string
	factory Factory
	state   State
	inst    addonapi.Lifecycle
}

// HookChains groups the five hookchain.Chain instances addons register into,
// one per event kind (request/response/requestheaders/responseheaders/error).
type HookChains struct {
	Request         *hookchain.Chain
	Response        *hookchain.Chain
	RequestHeaders  *hookchain.Chain
	ResponseHeaders *hookchain.Chain
	Error           *hookchain.Chain
}

func (h *HookChains) chainFor(kind addonapi.EventKind) *hookchain.Chain {
	switch kind {
	case addonapi.EventRequest:
		return h.Request
	case addonapi.EventResponse:
		return h.Response
	case addonapi.EventRequestHeaders:
		return h.RequestHeaders
	case addonapi.EventResponseHeaders:
		return h.ResponseHeaders
	case addonapi.EventError:
		return h.Error
	default:
		return nil
	}
}

// Manager is the process-wide addon registry (C6).
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string

	hooks     *HookChains
	broadcast *eventbus.Broadcast
	chain     *eventbus.Chain
	sched     *scheduler.Scheduler
	proxy     *proxymaster.ProxyMaster

	logger   obslog.SLogger
	classify obslog.ErrClassifier

	// DevOnlyAddonID, when non-empty, restricts Discover to a single addon id
	// (spec §6.4 dev override single-addon mode). Set before calling Discover.
	DevOnlyAddonID string
}

// New constructs a [Manager] wired into the given hook chains, event bus
// halves, scheduler and proxy master. proxy may be nil, e.g. in tests that
// exercise the hook-chain path only; no addon will then be registered as a
// flow handler (C7).
func New(hooks *HookChains, broadcast *eventbus.Broadcast, chain *eventbus.Chain, sched *scheduler.Scheduler, proxy *proxymaster.ProxyMaster, logger obslog.SLogger, classify obslog.ErrClassifier) *Manager {
	if logger == nil {
		logger = obslog.DefaultSLogger()
	}
	if classify == nil {
		classify = obslog.DefaultErrClassifier
	}
	return &Manager{
		entries:   make(map[string]*entry),
		hooks:     hooks,
		broadcast: broadcast,
		chain:     chain,
		sched:     sched,
		proxy:     proxy,
		logger:    logger,
		classify:  classify,
	}
}

// flowHandlerAdapter bridges an addon instance's optional
// [addonapi.HasFlowHandler] capability to [proxymaster.Handler], which also
// needs a stable id to key its registry on.
type flowHandlerAdapter struct {
	id   string
	inst addonapi.HasFlowHandler
}

func (a *flowHandlerAdapter) ID() string { return a.id }

func (a *flowHandlerAdapter) HandleRequest(ctx context.Context, f *flow.Flow) {
	a.inst.HandleRequest(ctx, f)
}

func (a *flowHandlerAdapter) HandleResponse(ctx context.Context, f *flow.Flow) {
	a.inst.HandleResponse(ctx, f)
}

// Discover registers id's factory without loading it (spec §4.6 Discovered).
// If m.DevOnlyAddonID is set, every id other than it is silently ignored,
// restricting discovery to a single addon exactly as the source's dev-mode
// short-circuit (app/core/addon.py _load_selective_addons).
func (m *Manager) Discover(id string, factory Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DevOnlyAddonID != "" && id != m.DevOnlyAddonID {
		return
	}
	if _, exists := m.entries[id]; exists {
		return
	}
	m.entries[id] = &entry{id: id, factory: factory, state: StateDiscovered}
	m.order = append(m.order, id)
}

// Bootstrap scans root for addon-shaped directories (spec §4.6 Discovery
// "scan addon directory"), resolves which of them should actually load
// against installed and m.DevOnlyAddonID (spec §6.4 UserInstalledAddons /
// dev-only override), and calls Discover for every resolved id that has a
// matching compiled-in factory. Candidates with no registered factory are
// silently skipped — they exist on disk but this binary carries no code for
// them.
func (m *Manager) Bootstrap(root string, installed []string, factories map[string]Factory) error {
	candidates, err := ScanDir(root)
	if err != nil {
		return err
	}
	for _, id := range InstalledIDs(candidates, installed, m.DevOnlyAddonID) {
		if factory, ok := factories[id]; ok {
			m.Discover(id, factory)
		}
	}
	return nil
}

// Watch starts a [Watcher] over root and, on every filesystem change,
// re-resolves candidates the same way Bootstrap does: an id the manager
// already knows about is re-loaded from scratch via Reload, and a brand-new
// id with a matching factory is discovered, loaded and initialized (spec
// §4.6 "filesystem change drives the manager's reload path"). The returned
// Watcher must be closed by the caller; ctx cancellation alone stops Run's
// loop but leaves the fsnotify handle open.
func (m *Manager) Watch(ctx context.Context, root string, installed []string, factories map[string]Factory, config map[string]any) (*Watcher, error) {
	w, err := NewWatcher(root, m.logger)
	if err != nil {
		return nil, err
	}
	go w.Run(ctx, func(candidates []Candidate) {
		for _, id := range InstalledIDs(candidates, installed, m.DevOnlyAddonID) {
			factory, ok := factories[id]
			if !ok {
				continue
			}
			m.mu.Lock()
			_, known := m.entries[id]
			m.mu.Unlock()
			if known {
				if err := m.Reload(ctx, id, config); err != nil {
					m.logger.Error("addon: reload after filesystem change failed", "addon_id", id, "error", err)
				}
				continue
			}
			m.Discover(id, factory)
			if err := m.Load(id); err != nil {
				continue
			}
			if err := m.Init(ctx, id, config); err != nil {
				m.logger.Error("addon: init after filesystem change failed", "addon_id", id, "error", err)
			}
		}
	})
	return w, nil
}

// Load instantiates id's addon (spec §4.6 Load). Errors are logged; the
// manager's other addons are unaffected.
func (m *Manager) Load(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("addon: %q not discovered", id)
	}
	inst, err := e.factory()
	if err != nil {
		m.logger.Error("addon: load failed", "addon_id", id, "error", err)
		return fmt.Errorf("addon: load %q: %w", id, err)
	}
	m.mu.Lock()
	e.inst = inst
	e.state = StateLoaded
	m.mu.Unlock()
	return nil
}

// Init calls InitAddon, registers the addon's hooks into the hook chains,
// registers the instance with the proxy master (C7) if it implements
// [addonapi.HasFlowHandler], and — if the addon reports itself enabled —
// registers its services with the scheduler and sends the
// AddonServiceRegister chain event (spec §4.6 Init). Event-bus
// subscriptions are not registered here.
func (m *Manager) Init(ctx context.Context, id string, config map[string]any) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok || e.inst == nil {
		return fmt.Errorf("addon: %q not loaded", id)
	}
	if err := e.inst.InitAddon(ctx, config); err != nil {
		m.logger.Error("addon: init failed", "addon_id", id, "error", err)
		m.broadcastSystemError(id, "init", err)
		return fmt.Errorf("addon: init %q: %w", id, err)
	}

	if hasHooks, ok := e.inst.(addonapi.HasHooks); ok {
		m.registerHooks(id, e, hasHooks)
	}
	if hasFlow, ok := e.inst.(addonapi.HasFlowHandler); ok && m.proxy != nil {
		m.proxy.AddAddons(&flowHandlerAdapter{id: id, inst: hasFlow})
	}

	m.mu.Lock()
	e.state = StateInitialized
	m.mu.Unlock()

	if e.inst.GetState() {
		m.enable(id, e)
	}
	if m.broadcast != nil {
		m.broadcast.Publish(eventbus.NewEvent(eventbus.EventAddonLoaded, id, 0))
	}
	return nil
}

func (m *Manager) registerHooks(id string, e *entry, hasHooks addonapi.HasHooks) {
	for kind, specs := range hasHooks.GetHooks() {
		chain := m.hooks.chainFor(kind)
		if chain == nil {
			continue
		}
		for _, spec := range specs {
			if spec.ConditionString != "" {
				if _, err := rule.ParseLine(spec.ConditionString + ",COMPATIBLE"); err != nil {
					m.logger.Error("addon: invalid hook condition, hook skipped", "addon_id", id, "condition", spec.ConditionString, "error", err)
					continue
				}
			}
			chain.Add(toHook(id, e, spec))
		}
	}
}

// toHook parses a HookSpec's condition string via the rule package, with the
// implicit ",COMPATIBLE" action suffix (spec §6.2 HookSpec).
func toHook(addonID string, e *entry, spec addonapi.HookSpec) *hookchain.Hook {
	var node rule.Node
	if spec.ConditionString != "" {
		if parsed, err := rule.ParseLine(spec.ConditionString + ",COMPATIBLE"); err == nil {
			node = parsed
		}
	}
	return &hookchain.Hook{
		ID:         addonID,
		Rule:       node,
		Priority:   spec.Priority,
		IgnoreRest: spec.IgnoreRest,
		IsEnabled:  func() bool { return e.inst != nil && e.inst.GetState() },
		Func: func(ctx context.Context, f *flow.Flow) error {
			return spec.Func(ctx, f)
		},
	}
}

func (m *Manager) enable(id string, e *entry) {
	if hasService, ok := e.inst.(addonapi.HasService); ok && m.sched != nil {
		for _, svc := range hasService.GetService() {
			svc := svc
			m.sched.Register(context.Background(), svc.ID, svc.Name, id, toTrigger(svc), func(ctx context.Context) error {
				return svc.Func(ctx)
			})
		}
		if m.chain != nil {
			m.chain.Send(context.Background(), eventbus.NewChainEvent(eventbus.ChainEventType("AddonServiceRegister"), map[string]any{
				"addon_id": id,
			}))
		}
	}
}

func toTrigger(svc addonapi.ServiceSpec) scheduler.Trigger {
	switch svc.Trigger {
	case "date":
		if at, ok := svc.TriggerKwargs["at"].(time.Time); ok {
			return scheduler.DateTrigger{At: at}
		}
		return scheduler.DateTrigger{At: time.Now()}
	case "cron":
		hour, _ := svc.TriggerKwargs["hour"].(int)
		minute, _ := svc.TriggerKwargs["minute"].(int)
		return scheduler.CronTrigger{Hour: hour, Minute: minute}
	default:
		seconds, _ := svc.TriggerKwargs["seconds"].(int)
		if seconds <= 0 {
			seconds = 60
		}
		return scheduler.IntervalTrigger{Period: time.Duration(seconds) * time.Second}
	}
}

// Reload stops id, then loads and initializes it again from scratch (spec
// §4.6 Reload). It broadcasts AddonReload once complete.
func (m *Manager) Reload(ctx context.Context, id string, config map[string]any) error {
	m.Stop(id)
	if err := m.Load(id); err != nil {
		return err
	}
	if err := m.Init(ctx, id, config); err != nil {
		return err
	}
	if m.broadcast != nil {
		m.broadcast.Publish(eventbus.NewEvent(eventbus.EventType("AddonReload"), id, 0))
	}
	return nil
}

// Stop tears down id: deregisters its scheduled services, deregisters it
// from the proxy master, removes its hooks, and calls optional
// Close/StopService hooks (spec §4.6 Stop). Calling Stop twice is a no-op
// the second time (property P10).
func (m *Manager) Stop(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok || e.inst == nil {
		return
	}

	if m.sched != nil {
		m.sched.RemoveByOwner(id)
	}
	if m.proxy != nil {
		m.proxy.RemoveAddon(id)
	}
	if m.hooks != nil {
		m.hooks.Request.RemoveByID(id)
		m.hooks.Response.RemoveByID(id)
		m.hooks.RequestHeaders.RemoveByID(id)
		m.hooks.ResponseHeaders.RemoveByID(id)
		m.hooks.Error.RemoveByID(id)
	}
	if hasService, ok := e.inst.(addonapi.HasService); ok {
		_ = hasService.StopService()
	}
	if closer, ok := e.inst.(addonapi.Closer); ok {
		_ = closer.Close()
	}

	m.mu.Lock()
	e.inst = nil
	e.state = StateDiscovered
	m.mu.Unlock()

	if m.broadcast != nil {
		m.broadcast.Publish(eventbus.NewEvent(eventbus.EventAddonStopped, id, 0))
	}
}

// StopAll tears down every addon, isolating each failure from the others
// (spec §4.6 "Bulk stop: iterate in arbitrary order").
func (m *Manager) StopAll() {
	for _, id := range m.Snapshot() {
		m.Stop(id)
	}
}

// Snapshot copies the current addon id list under the manager's lock, so
// callers can safely iterate without holding it (spec §4.6 concurrency note).
func (m *Manager) Snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Instances returns the live addon instances, for callers that need to
// type-assert optional capabilities across the whole set (e.g. clashexport's
// GetClashRules aggregation). Addons that failed to load are omitted.
func (m *Manager) Instances() []addonapi.Lifecycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]addonapi.Lifecycle, 0, len(m.order))
	for _, id := range m.order {
		if e := m.entries[id]; e != nil && e.inst != nil {
			out = append(out, e.inst)
		}
	}
	return out
}

// State reports id's current lifecycle state.
func (m *Manager) State(id string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return "", false
	}
	return e.state, true
}

func (m *Manager) broadcastSystemError(id, site string, err error) {
	if m.broadcast == nil {
		return
	}
	m.broadcast.Publish(eventbus.NewEvent(eventbus.EventSystemError, map[string]any{
		"type":     "addon",
		"addon_id": id,
		"site":     site,
		"error":    err.Error(),
		"class":    m.classify.Classify(err),
	}, 0))
}
