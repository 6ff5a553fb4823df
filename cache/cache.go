// SPDX-License-Identifier: GPL-3.0-or-later

// Package cache implements the region-scoped key/value store addons and the
// scheduler use to memoize expensive work (C4, spec §4.4). Two backend
// shapes share the [Backend] interface: an in-process memory backend with
// TTL or LRU eviction, and an external Redis-style backend for multi-process
// deployments.
package cache

import (
	"context"
	"time"
)

// Backend is the contract every cache implementation satisfies, scoped to one
// region (spec §4.4 "Contract (per region)").
type Backend interface {
	Get(ctx context.Context, key string) (value any, ok bool, err error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	// Items returns a point-in-time snapshot; mutating the cache afterward
	// must not affect the returned map (spec property P9).
	Items(ctx context.Context) (map[string]any, error)
	Close() error
}

// freshKey is the context key under which [WithFresh] stores its flag.
type freshKey struct{}

// WithFresh marks ctx so that a [Region.GetOrSet] call bypasses the cached
// value on read but still writes the newly computed result (spec §4.4
// "fresh() scoped flag ... used by 'force refresh' code paths").
func WithFresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, freshKey{}, true)
}

// IsFresh reports whether ctx was marked with [WithFresh].
func IsFresh(ctx context.Context) bool {
	v, _ := ctx.Value(freshKey{}).(bool)
	return v
}

// Region is a named cache namespace backed by a [Backend].
type Region struct {
	name    string
	backend Backend
}

// NewRegion wraps backend under a region name, which is only reported by
// [Region.Name] (the backend itself owns key-prefixing, spec §4.4
// "regions become key prefixes").
func NewRegion(name string, backend Backend) *Region {
	return &Region{name: name, backend: backend}
}

func (r *Region) Name() string { return r.name }

func (r *Region) Get(ctx context.Context, key string) (any, bool, error) {
	return r.backend.Get(ctx, key)
}

func (r *Region) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return r.backend.Set(ctx, key, value, ttl)
}

func (r *Region) Delete(ctx context.Context, key string) error {
	return r.backend.Delete(ctx, key)
}

func (r *Region) Exists(ctx context.Context, key string) (bool, error) {
	return r.backend.Exists(ctx, key)
}

func (r *Region) Clear(ctx context.Context) error {
	return r.backend.Clear(ctx)
}

func (r *Region) Items(ctx context.Context) (map[string]any, error) {
	return r.backend.Items(ctx)
}

func (r *Region) Close() error {
	return r.backend.Close()
}

// GetOrSet is the region's function-memoization entry point (spec §4.4: "a
// decorator... that keys by function identity + bound arguments"). Go has no
// reflective decorator equivalent, so callers pass the fully-formed key
// themselves — typically `funcName + ":" + argsHash` — and a compute thunk.
// skipEmpty, when true, mirrors "can optionally skip caching None/empty
// results": a nil value returned by compute is never written back.
func (r *Region) GetOrSet(ctx context.Context, key string, ttl time.Duration, skipEmpty bool, compute func(ctx context.Context) (any, error)) (any, error) {
	if !IsFresh(ctx) {
		if v, ok, err := r.backend.Get(ctx, key); err != nil {
			return nil, err
		} else if ok {
			return v, nil
		}
	}
	v, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	if skipEmpty && isEmpty(v) {
		return v, nil
	}
	if err := r.backend.Set(ctx, key, v, ttl); err != nil {
		return v, err
	}
	return v, nil
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	default:
		return false
	}
}
