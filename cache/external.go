// SPDX-License-Identifier: GPL-3.0-or-later

package cache

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"bytes"
	"fmt"
	"time"
)

// Client is the minimal key/value surface [ExternalBackend] needs from a
// remote store. No Redis (or other KV) client ships among this module's
// dependencies, so ExternalBackend is expressed purely against this
// interface — any client satisfying it (go-redis, a custom RESP client, an
// in-memory fake for tests) can back a region without ExternalBackend
// depending on a concrete driver.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Scan returns every key with the given prefix currently stored.
	Scan(ctx context.Context, prefix string) ([]string, error)
}

// ExternalBackend adapts a [Client] into a [Backend], prefixing every key
// with the region name (spec §4.4 "regions become key prefixes
// (region:<name>:key:<k>)").
type ExternalBackend struct {
	region string
	client Client

	// jsonOK caches, per concrete Go type seen, whether JSON marshaling
	// succeeded last time — "the choice is cached per type to avoid retrying
	// on hot paths" (spec §4.4).
	jsonOK map[string]bool
}

// NewExternalBackend wraps client for region.
func NewExternalBackend(region string, client Client) *ExternalBackend {
	return &ExternalBackend{region: region, client: client, jsonOK: make(map[string]bool)}
}

var _ Backend = (*ExternalBackend)(nil)

func (e *ExternalBackend) prefixedKey(key string) string {
	return fmt.Sprintf("region:%s:key:%s", e.region, key)
}

func (e *ExternalBackend) Get(ctx context.Context, key string) (any, bool, error) {
	raw, ok, err := e.client.Get(ctx, e.prefixedKey(key))
	if err != nil || !ok {
		return nil, ok, err
	}
	v, err := decode(raw)
	return v, true, err
}

func (e *ExternalBackend) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := e.encode(value)
	if err != nil {
		return err
	}
	return e.client.Set(ctx, e.prefixedKey(key), raw, ttl)
}

func (e *ExternalBackend) Delete(ctx context.Context, key string) error {
	return e.client.Del(ctx, e.prefixedKey(key))
}

func (e *ExternalBackend) Exists(ctx context.Context, key string) (bool, error) {
	return e.client.Exists(ctx, e.prefixedKey(key))
}

func (e *ExternalBackend) Clear(ctx context.Context) error {
	keys, err := e.client.Scan(ctx, fmt.Sprintf("region:%s:key:", e.region))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := e.client.Del(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (e *ExternalBackend) Items(ctx context.Context) (map[string]any, error) {
	keys, err := e.client.Scan(ctx, fmt.Sprintf("region:%s:key:", e.region))
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		raw, ok, err := e.client.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		v, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (e *ExternalBackend) Close() error { return nil }

// encode tries JSON first (spec: "serialization prefers JSON, falls back to
// binary form for non-JSON-serializable payloads"); gob covers the fallback.
func (e *ExternalBackend) encode(value any) ([]byte, error) {
	typeKey := fmt.Sprintf("%T", value)
	if ok, seen := e.jsonOK[typeKey]; !seen || ok {
		raw, err := json.Marshal(jsonEnvelope{Format: "json", Value: value})
		if err == nil {
			e.jsonOK[typeKey] = true
			return raw, nil
		}
		e.jsonOK[typeKey] = false
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&value); err != nil {
		return nil, fmt.Errorf("cache: value of type %s is neither JSON- nor gob-encodable: %w", typeKey, err)
	}
	return append([]byte("gob:"), buf.Bytes()...), nil
}

type jsonEnvelope struct {
	Format string `json:"format"`
	Value  any    `json:"value"`
}

func decode(raw []byte) (any, error) {
	if len(raw) >= 4 && string(raw[:4]) == "gob:" {
		var v any
		if err := gob.NewDecoder(bytes.NewReader(raw[4:])).Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
	var env jsonEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return env.Value, nil
}
