// SPDX-License-Identifier: GPL-3.0-or-later

// Package addonapi defines the outward-facing contract addons implement (spec
// §6.2). The source probes addon instances reflectively (hasattr); here every
// optional capability is its own small interface, and the addon manager
// type-asserts a [Lifecycle] against each to discover what it supports (spec §9
// "Dynamic dispatch over addon/module methods -> interface abstraction").
package addonapi

import (
	"context"

	"github.com/wumode/mitmpilot-core/flow"
)

// Addon is an addon's identity metadata, returned by [Lifecycle.Describe].
type Addon struct {
	ID              string
	Name            string
	Version         string
	Order           int
	VersionRequired string
}

// Lifecycle is the mandatory capability every addon must implement.
type Lifecycle interface {
	InitAddon(ctx context.Context, config map[string]any) error
	GetState() bool
	Describe() Addon
}

// HookFunc is an addon's hook body, matching [hookchain.Func]'s shape without
// importing hookchain (addonapi sits below hookchain/addon in the dependency
// graph so the addon manager can wire one into the other).
type HookFunc func(ctx context.Context, f *flow.Flow) error

// HookSpec is one requested hook registration (spec §6.2 HookSpec).
// ConditionString is parsed via the rule package with an implicit
// ",COMPATIBLE" action suffix; empty means "always match".
type HookSpec struct {
	ConditionString string
	Func            HookFunc
	Priority        int
	IgnoreRest      bool
}

// EventKind names the hook event an addon registers against (spec §6.1).
type EventKind string

const (
	EventRequest         EventKind = "request"
	EventResponse        EventKind = "response"
	EventRequestHeaders  EventKind = "requestheaders"
	EventResponseHeaders EventKind = "responseheaders"
	EventError           EventKind = "error"
)

// HasHooks is implemented by addons that register request/response hooks.
type HasHooks interface {
	GetHooks() map[EventKind][]HookSpec
}

// ServiceFunc is a scheduled background job body owned by an addon.
type ServiceFunc func(ctx context.Context) error

// ServiceSpec is one scheduler registration an addon contributes (spec §6.2
// ServiceSpec).
type ServiceSpec struct {
	ID            string
	Name          string
	Trigger       string // "interval" | "cron" | "date"
	TriggerKwargs map[string]any
	Func          ServiceFunc
}

// HasService is implemented by addons that run background jobs.
type HasService interface {
	GetService() []ServiceSpec
	StopService() error
}

// ApiSpec describes one HTTP endpoint an addon exposes to the dashboard.
type ApiSpec struct {
	Path    string
	Method  string
	Handler func(ctx context.Context, req any) (any, error)
}

// HasApi is implemented by addons that expose their own HTTP endpoints.
type HasApi interface {
	GetApi() []ApiSpec
}

// HasDashboard is implemented by addons contributing a dashboard panel.
type HasDashboard interface {
	GetDashboard(ctx context.Context, key, userAgent string) ([]byte, error)
}

// HasClashRules is implemented by addons that export Clash provider rules
// (spec §6.6).
type HasClashRules interface {
	GetClashRules() []string
}

// Closer is implemented by addons needing teardown beyond StopService.
type Closer interface {
	Close() error
}

// HasFlowHandler is implemented by addons that register themselves with the
// proxy master (C7) directly, observing/mutating every flow independently of
// the rule-gated C3 hook chain (spec §4.6 "register the instance with the
// proxy" on init, and the mirrored deregistration on stop).
type HasFlowHandler interface {
	HandleRequest(ctx context.Context, f *flow.Flow)
	HandleResponse(ctx context.Context, f *flow.Flow)
}
