// SPDX-License-Identifier: GPL-3.0-or-later

// Package flow defines the per-request object the proxy master exposes to hooks,
// event subscribers and the rule matcher (spec §3.1).
package flow

import (
	"io"
	"net/http"
	"net/netip"
	"sync"
)

// Type discriminates the transport the [Flow] was captured on.
type Type string

const (
	// TypeHTTP is an intercepted HTTP(S) request/response round trip.
	TypeHTTP Type = "http"
	// TypeTCP is an opaque TCP connection (no HTTP semantics decoded).
	TypeTCP Type = "tcp"
)

// Network is the transport-layer protocol of a [Flow], used by the NETWORK rule kind.
type Network string

const (
	NetworkTCP Network = "TCP"
	NetworkUDP Network = "UDP"
)

// Request is the request half of a [Flow]. Hooks may mutate any field.
type Request struct {
	Method  string
	Scheme  string
	Host    string
	Port    int
	Path    string
	Query   string
	Header  http.Header
	Body    io.ReadCloser
	BodyLen int64
}

// PrettyHost returns Host, matching mitmproxy's pretty_host semantics used by
// every DOMAIN* rule kind in the original source.
func (r *Request) PrettyHost() string {
	if r == nil {
		return ""
	}
	return r.Host
}

// Response is the response half of a [Flow], populated after the response phase.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	BodyLen    int64
}

// Flow is the mutable per-request object created by the proxy master (C7) and
// passed by reference through the hook chains (C3) and the rule matcher (C2).
//
// Lifetime: one TCP request/response round; created before request hooks run,
// destroyed after response hooks complete or on connection error.
type Flow struct {
	mu sync.Mutex

	// ID uniquely identifies this flow for log correlation (see [NewFlowID]).
	ID string

	// NetworkType selects the matcher variant (HTTP vs opaque TCP).
	NetworkType Type

	// Transport is the underlying transport protocol ("TCP" or "UDP").
	Transport Network

	Request  *Request
	Response *Response

	// ClientAddr is the peer address of the client connection (flow.client_conn.peername).
	ClientAddr netip.AddrPort
	// ServerAddr is the peer address of the server connection (flow.server_conn.peername).
	ServerAddr netip.AddrPort

	// Err is set when the connection fails mid-flight, routing the flow into the
	// "error" hook event (spec §7).
	Err error

	// metadata is a free-form side channel addons can use to pass state between
	// their own request/response hooks without a shared cache region.
	metadata map[string]any
}

// NewFlow creates an empty [*Flow] of the given transport type.
func NewFlow(typ Type) *Flow {
	return &Flow{
		ID:          NewFlowID(),
		NetworkType: typ,
		Transport:   NetworkTCP,
		Request:     &Request{Header: http.Header{}},
		metadata:    make(map[string]any),
	}
}

// SetMeta stores a value in the flow's addon-visible metadata side channel.
func (f *Flow) SetMeta(key string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata[key] = value
}

// Meta retrieves a value previously stored with [Flow.SetMeta].
func (f *Flow) Meta(key string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.metadata[key]
	return v, ok
}

// ClientIP returns the client peer IP, or the zero [netip.Addr] if unset.
func (f *Flow) ClientIP() netip.Addr {
	return f.ClientAddr.Addr()
}

// ServerIP returns the server peer IP, or the zero [netip.Addr] if unset.
func (f *Flow) ServerIP() netip.Addr {
	return f.ServerAddr.Addr()
}
