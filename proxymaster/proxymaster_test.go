// SPDX-License-Identifier: GPL-3.0-or-later

package proxymaster

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wumode/mitmpilot-core/flow"
	"github.com/wumode/mitmpilot-core/hookchain"
)

// fakeEngine drives HandleRequest/HandleResponse once, synchronously, then
// blocks until ctx is cancelled, mimicking a real proxy's serve loop.
type fakeEngine struct {
	served chan struct{}
}

func (e *fakeEngine) Serve(ctx context.Context, opts Options, h EngineHandler) error {
	f := flow.NewFlow(flow.TypeHTTP)
	f.Request.Header.Set("X-Test", "1")
	h.HandleRequest(ctx, f)
	h.HandleResponse(ctx, f)
	close(e.served)
	<-ctx.Done()
	return ctx.Err()
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	eng := &fakeEngine{served: make(chan struct{})}
	pm := New(Config{Engine: eng})

	require.NoError(t, pm.Start(context.Background(), Options{}))
	<-eng.served
	assert.Equal(t, StateRunning, pm.Status())

	require.NoError(t, pm.Start(context.Background(), Options{}), "second start must be a no-op, not an error")
	assert.Equal(t, StateRunning, pm.Status())

	pm.Stop(context.Background())
	assert.Equal(t, StateIdle, pm.Status())
}

func TestStopWhileIdleIsNoOp(t *testing.T) {
	pm := New(Config{Engine: &fakeEngine{served: make(chan struct{})}})
	pm.Stop(context.Background()) // must not panic
	assert.Equal(t, StateIdle, pm.Status())
}

func TestHandleRequestDispatchesSyncChainAndExtraHandlers(t *testing.T) {
	req := hookchain.NewChain(nil, nil)
	var syncCalled, extraCalled int32
	req.Add(&hookchain.Hook{
		ID:        "h1",
		IsEnabled: func() bool { return true },
		Func: func(ctx context.Context, f *flow.Flow) error {
			atomic.AddInt32(&syncCalled, 1)
			return nil
		},
	})

	pm := New(Config{Engine: &fakeEngine{served: make(chan struct{})}, Chains: Chains{SyncRequest: req}})
	pm.AddAddons(&recordingHandler{onReq: func() { atomic.AddInt32(&extraCalled, 1) }})

	pm.HandleRequest(context.Background(), flow.NewFlow(flow.TypeHTTP))
	assert.Equal(t, int32(1), atomic.LoadInt32(&syncCalled))
	assert.Equal(t, int32(1), atomic.LoadInt32(&extraCalled))
}

func TestHandleRequestSanitizesInvalidHeaders(t *testing.T) {
	pm := New(Config{Engine: &fakeEngine{served: make(chan struct{})}})
	f := flow.NewFlow(flow.TypeHTTP)
	f.Request.Header["Bad Name"] = []string{"x"}
	f.Request.Header.Set("Good", "ok")

	pm.HandleRequest(context.Background(), f)

	_, hasBad := f.Request.Header["Bad Name"]
	assert.False(t, hasBad)
	assert.Equal(t, "ok", f.Request.Header.Get("Good"))
}

func TestRemoveAddonStopsFurtherDispatch(t *testing.T) {
	pm := New(Config{Engine: &fakeEngine{served: make(chan struct{})}})
	var calls int32
	h := &recordingHandler{id: "h1", onReq: func() { atomic.AddInt32(&calls, 1) }}
	pm.AddAddons(h)
	pm.HandleRequest(context.Background(), flow.NewFlow(flow.TypeHTTP))
	pm.RemoveAddon("h1")
	pm.HandleRequest(context.Background(), flow.NewFlow(flow.TypeHTTP))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

type recordingHandler struct {
	id    string
	onReq func()
}

func (r *recordingHandler) ID() string { return r.id }
func (r *recordingHandler) HandleRequest(ctx context.Context, f *flow.Flow) {
	if r.onReq != nil {
		r.onReq()
	}
}
func (r *recordingHandler) HandleResponse(ctx context.Context, f *flow.Flow) {}
