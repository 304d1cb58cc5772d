// Package store implements the string-keyed persistence contract used by
// the rule set, context history, SOP registry and template catalogue.
//
// Values are stored as JSON documents; times therefore round-trip as
// RFC 3339 strings and are rehydrated by the caller's types on decode.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Keys used by the services.
const (
	KeyRules     = "contextRules"
	KeyHistory   = "contextHistory"
	KeySOPs      = "sops"
	KeyTemplates = "sopTemplates"
)

// Store is the persistence contract. Get reports false when the key is
// absent and leaves dst untouched.
type Store interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// ─── Memory ──────────────────────────────────────────────────────────────────

// Memory is an in-process Store. It encodes on Set so callers cannot
// mutate stored values through shared references.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string, dst any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("store: decode %q: %w", key, err)
	}
	return true, nil
}

func (m *Memory) Set(_ context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %q: %w", key, err)
	}
	m.mu.Lock()
	m.data[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	m.data = make(map[string][]byte)
	m.mu.Unlock()
	return nil
}
