// SPDX-License-Identifier: GPL-3.0-or-later

// Package proxymaster implements the proxy master (C7, spec §4.7): the
// idle/running state machine that owns the MITM proxy's lifecycle and feeds
// every intercepted flow through the sync and async hook chains (C3).
//
// The core does not implement the MITM/TLS protocol itself (spec §1
// Non-goals); [Engine] is the seam a concrete proxy implementation binds
// into, the same way [flow.ObserveConn] treats net.Conn as a black box.
package proxymaster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wumode/mitmpilot-core/flow"
	"github.com/wumode/mitmpilot-core/hookchain"
	"github.com/wumode/mitmpilot-core/obslog"
)

// Options configures the MITM proxy instance a started [ProxyMaster] binds
// to (spec §4.7 start()'s "configured options").
type Options struct {
	ListenHost string
	ListenPort int
	// Modes lists the proxy modes to bind, e.g. "regular", "transparent", "socks5".
	Modes []string
	ConfDir string
	HTTP2   bool
	HTTP3   bool

	TLSInsecure bool
	CertFile    string
	KeyFile     string

	BlockList []string
	// ConnStrategy selects how upstream connections are established, e.g.
	// "eager" or "lazy" (mitmproxy's connection_strategy option).
	ConnStrategy string
}

// EngineHandler is what [Engine] invokes for every flow at the request and
// response phase.
type EngineHandler interface {
	HandleRequest(ctx context.Context, f *flow.Flow)
	HandleResponse(ctx context.Context, f *flow.Flow)
	HandleRequestHeaders(ctx context.Context, f *flow.Flow)
	HandleResponseHeaders(ctx context.Context, f *flow.Flow)
}

// Engine binds the proxy master to a concrete MITM proxy implementation.
// Serve blocks, feeding every intercepted flow to h, until ctx is cancelled.
type Engine interface {
	Serve(ctx context.Context, opts Options, h EngineHandler) error
}

// Handler is an extra, runtime-attachable flow handler beyond the fixed hook
// chains (spec §4.7 "addAddons(...)/removeAddon(...) — attach/detach hook
// handlers at runtime").
type Handler interface {
	ID() string
	HandleRequest(ctx context.Context, f *flow.Flow)
	HandleResponse(ctx context.Context, f *flow.Flow)
}

// State is the proxy master's run state (spec §4.11 "idle -> running -> idle").
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Chains groups the hook chains every intercepted flow is dispatched through.
// SyncRequest/SyncResponse run hooks on the calling goroutine; AsyncRequest/
// AsyncResponse run each hook on its own goroutine (spec §4.7 "registers C3
// (sync) and the async variant as addon-style hook handlers").
type Chains struct {
	SyncRequest  *hookchain.Chain
	SyncResponse *hookchain.Chain
	AsyncRequest *hookchain.AsyncChain
	AsyncResponse *hookchain.AsyncChain

	SyncRequestHeaders   *hookchain.Chain
	SyncResponseHeaders  *hookchain.Chain
	AsyncRequestHeaders  *hookchain.AsyncChain
	AsyncResponseHeaders *hookchain.AsyncChain
}

// ProxyMaster is the process-wide C7 controller.
type ProxyMaster struct {
	mu     sync.Mutex
	state  State
	opts   Options
	engine Engine
	chains Chains

	extra   map[string]Handler
	extraMu sync.RWMutex

	cancel   context.CancelFunc
	done     chan struct{}
	stopWait time.Duration

	logger obslog.SLogger
}

// Config constructs a [ProxyMaster].
type Config struct {
	Engine   Engine
	Chains   Chains
	StopWait time.Duration // bounded wait for graceful shutdown; default 5s
	Logger   obslog.SLogger
}

// New constructs an idle [ProxyMaster] from cfg.
func New(cfg Config) *ProxyMaster {
	if cfg.StopWait <= 0 {
		cfg.StopWait = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = obslog.DefaultSLogger()
	}
	return &ProxyMaster{
		state:    StateIdle,
		engine:   cfg.Engine,
		chains:   cfg.Chains,
		extra:    make(map[string]Handler),
		stopWait: cfg.StopWait,
		logger:   cfg.Logger,
	}
}

// Start instantiates the MITM proxy with opts and begins dispatching flows.
// Idempotent when already running: logs a warning and returns nil without
// restarting (spec §4.11 "start from running is a no-op-with-warning").
func (p *ProxyMaster) Start(ctx context.Context, opts Options) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateRunning {
		p.logger.Warn("proxymaster: start requested while already running")
		return nil
	}
	if p.engine == nil {
		return fmt.Errorf("proxymaster: no engine configured")
	}

	p.opts = opts
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		if err := p.engine.Serve(runCtx, opts, p); err != nil && runCtx.Err() == nil {
			p.logger.Error("proxymaster: engine serve failed", "error", err)
		}
	}()

	p.state = StateRunning
	return nil
}

// Stop requests a graceful shutdown, waiting up to the configured bound
// before giving up on the engine goroutine (spec §4.7 stop(), §5 "proxy stop
// bounds its wait on the proxy task to 5s and then discards"). Calling Stop
// while idle is a no-op-with-warning (spec §4.11).
func (p *ProxyMaster) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.state != StateRunning {
		p.logger.Warn("proxymaster: stop requested while idle")
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(p.stopWait):
		p.logger.Warn("proxymaster: engine did not shut down within bound, discarding", "wait", p.stopWait)
	}

	p.mu.Lock()
	p.state = StateIdle
	p.mu.Unlock()
}

// Status reports whether the proxy is currently running (spec §4.7 status()).
func (p *ProxyMaster) Status() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// AddAddons attaches extra flow handlers at runtime, alongside the fixed
// hook chains.
func (p *ProxyMaster) AddAddons(handlers ...Handler) {
	p.extraMu.Lock()
	defer p.extraMu.Unlock()
	for _, h := range handlers {
		p.extra[h.ID()] = h
	}
}

// RemoveAddon detaches a previously attached extra flow handler.
func (p *ProxyMaster) RemoveAddon(id string) {
	p.extraMu.Lock()
	defer p.extraMu.Unlock()
	delete(p.extra, id)
}

// HandleRequest implements [EngineHandler]: dispatches f through the sync and
// async request hook chains in order, then every attached extra handler
// (spec §4.7 "invokes C3's request (before forwarding)").
func (p *ProxyMaster) HandleRequest(ctx context.Context, f *flow.Flow) {
	if p.chains.SyncRequest != nil {
		p.chains.SyncRequest.Dispatch(ctx, f)
	}
	if p.chains.AsyncRequest != nil {
		p.chains.AsyncRequest.Dispatch(ctx, f)
	}
	for _, h := range p.extraSnapshot() {
		h.HandleRequest(ctx, f)
	}
	if f.Request != nil {
		SanitizeHeaders(f.Request.Header)
	}
}

// HandleResponse implements [EngineHandler]: symmetric to HandleRequest,
// invoked after the upstream response is received (spec §4.7 "response
// (after receiving)").
func (p *ProxyMaster) HandleResponse(ctx context.Context, f *flow.Flow) {
	if p.chains.SyncResponse != nil {
		p.chains.SyncResponse.Dispatch(ctx, f)
	}
	if p.chains.AsyncResponse != nil {
		p.chains.AsyncResponse.Dispatch(ctx, f)
	}
	for _, h := range p.extraSnapshot() {
		h.HandleResponse(ctx, f)
	}
	if f.Response != nil {
		SanitizeHeaders(f.Response.Header)
	}
}

// HandleRequestHeaders implements [EngineHandler]: dispatched once the
// request headers are parsed but before the body is read, letting hooks
// inspect/redirect a flow early (spec §6.1 requestheaders event).
func (p *ProxyMaster) HandleRequestHeaders(ctx context.Context, f *flow.Flow) {
	if p.chains.SyncRequestHeaders != nil {
		p.chains.SyncRequestHeaders.Dispatch(ctx, f)
	}
	if p.chains.AsyncRequestHeaders != nil {
		p.chains.AsyncRequestHeaders.Dispatch(ctx, f)
	}
	if f.Request != nil {
		SanitizeHeaders(f.Request.Header)
	}
}

// HandleResponseHeaders implements [EngineHandler]: symmetric to
// HandleRequestHeaders, for the response's header-only phase.
func (p *ProxyMaster) HandleResponseHeaders(ctx context.Context, f *flow.Flow) {
	if p.chains.SyncResponseHeaders != nil {
		p.chains.SyncResponseHeaders.Dispatch(ctx, f)
	}
	if p.chains.AsyncResponseHeaders != nil {
		p.chains.AsyncResponseHeaders.Dispatch(ctx, f)
	}
	if f.Response != nil {
		SanitizeHeaders(f.Response.Header)
	}
}

func (p *ProxyMaster) extraSnapshot() []Handler {
	p.extraMu.RLock()
	defer p.extraMu.RUnlock()
	out := make([]Handler, 0, len(p.extra))
	for _, h := range p.extra {
		out = append(out, h)
	}
	return out
}
