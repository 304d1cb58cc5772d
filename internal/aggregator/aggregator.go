// Package aggregator turns provider fragments into context snapshots on a
// fixed interval, matches them against the enabled rules and publishes the
// result.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HendryAvila/routine/internal/metrics"
	"github.com/HendryAvila/routine/internal/rules"
	"github.com/HendryAvila/routine/internal/situation"
	"github.com/HendryAvila/routine/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultInterval        = 30 * time.Second
	DefaultHistoryCapacity = 1000
)

// ErrDuplicateProvider is returned when a provider name is already registered.
var ErrDuplicateProvider = errors.New("aggregator: provider already registered")

// ErrUnknownProvider is returned by Enable for an unregistered name.
var ErrUnknownProvider = errors.New("aggregator: unknown provider")

// RuleSource supplies the rules evaluated each cycle.
type RuleSource interface {
	Enabled() []*rules.Rule
}

// Publisher receives every snapshot with its matches.
type Publisher interface {
	Publish(ctx context.Context, snap *situation.Snapshot, matches []rules.Match) error
}

// ProviderInfo describes a registered provider.
type ProviderInfo struct {
	Name      string              `json:"name"`
	Dimension situation.Dimension `json:"dimension"`
	Enabled   bool                `json:"enabled"`
}

type cachedFragment struct {
	fragment situation.Fragment
	at       time.Time
}

// Aggregator owns the provider list, the current snapshot and the history
// ring.
type Aggregator struct {
	rules     RuleSource
	matcher   *rules.Matcher
	publisher Publisher
	store     store.Store
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
	interval  time.Duration
	capacity  int

	cycleMu sync.Mutex // serializes Update

	mu        sync.Mutex
	providers []situation.Provider
	enabled   map[string]bool
	cache     map[string]cachedFragment
	current   *situation.Snapshot
	history   []*situation.Snapshot
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithInterval sets the Run period.
func WithInterval(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithHistoryCapacity sets the ring size.
func WithHistoryCapacity(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.capacity = n
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithStore enables SaveHistory and LoadHistory.
func WithStore(st store.Store) Option {
	return func(a *Aggregator) { a.store = st }
}

// WithIDs replaces the snapshot id generator.
func WithIDs(fn func() string) Option {
	return func(a *Aggregator) {
		if fn != nil {
			a.newID = fn
		}
	}
}

// New builds an aggregator. publisher may be nil.
func New(src RuleSource, matcher *rules.Matcher, publisher Publisher, opts ...Option) *Aggregator {
	a := &Aggregator{
		rules:     src,
		matcher:   matcher,
		publisher: publisher,
		logger:    zap.NewNop(),
		now:       time.Now,
		newID:     uuid.NewString,
		interval:  DefaultInterval,
		capacity:  DefaultHistoryCapacity,
		enabled:   map[string]bool{},
		cache:     map[string]cachedFragment{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.matcher == nil {
		a.matcher = rules.NewMatcher(0)
	}
	a.logger = a.logger.Named("aggregator")
	return a
}

// --- Providers ---

// Register adds an enabled provider. Fetch order follows registration.
func (a *Aggregator) Register(p situation.Provider) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.enabled[p.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, p.Name())
	}
	a.providers = append(a.providers, p)
	a.enabled[p.Name()] = true
	return nil
}

// Enable switches a provider on or off. Disabling drops its cached
// fragment.
func (a *Aggregator) Enable(name string, on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.enabled[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	a.enabled[name] = on
	if !on {
		delete(a.cache, name)
	}
	return nil
}

// Providers lists registered providers in fetch order.
func (a *Aggregator) Providers() []ProviderInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ProviderInfo, len(a.providers))
	for i, p := range a.providers {
		out[i] = ProviderInfo{Name: p.Name(), Dimension: p.Dimension(), Enabled: a.enabled[p.Name()]}
	}
	return out
}

// --- Cycle ---

// Update runs one aggregation cycle: fetch, build, record, match, publish.
// Concurrent calls are serialized so cycles never overlap.
func (a *Aggregator) Update(ctx context.Context) (*situation.Snapshot, []rules.Match) {
	a.cycleMu.Lock()
	defer a.cycleMu.Unlock()

	start := time.Now()
	now := a.now()
	fragments := a.fetch(ctx, now)
	snap := situation.New(a.newID(), now.UTC(), fragments...)
	a.record(snap)

	var enabled []*rules.Rule
	if a.rules != nil {
		enabled = a.rules.Enabled()
	}
	matches := a.matcher.Match(enabled, snap)
	for _, m := range matches {
		metrics.RuleMatches.WithLabelValues(m.Rule.ID).Inc()
	}

	if a.publisher != nil {
		if err := a.publisher.Publish(ctx, snap, matches); err != nil {
			a.logger.Warn("publish reported listener failures", zap.String("snapshot_id", snap.ID), zap.Error(err))
		}
	}

	metrics.AggregationCycles.Inc()
	metrics.AggregationDuration.Observe(time.Since(start).Seconds())
	a.logger.Debug("aggregation cycle",
		zap.String("snapshot_id", snap.ID),
		zap.Int("fragments", len(fragments)),
		zap.Int("matches", len(matches)),
		zap.Strings("tags", snap.Tags),
	)
	return snap, matches
}

func (a *Aggregator) fetch(ctx context.Context, now time.Time) []situation.Fragment {
	a.mu.Lock()
	type job struct {
		p      situation.Provider
		cached *cachedFragment
	}
	var jobs []job
	for _, p := range a.providers {
		if !a.enabled[p.Name()] {
			continue
		}
		j := job{p: p}
		if r, ok := p.(situation.Refresher); ok && r.RefreshInterval() > 0 {
			if c, ok := a.cache[p.Name()]; ok && now.Sub(c.at) < r.RefreshInterval() {
				cp := c
				j.cached = &cp
			}
		}
		jobs = append(jobs, j)
	}
	a.mu.Unlock()

	fragments := make([]situation.Fragment, 0, len(jobs))
	for _, j := range jobs {
		if j.cached != nil {
			fragments = append(fragments, j.cached.fragment)
			continue
		}
		f, err := j.p.Fetch(ctx)
		if err == nil && f == nil {
			err = errors.New("provider returned no fragment")
		}
		if err != nil {
			metrics.ProviderFailures.WithLabelValues(j.p.Name()).Inc()
			a.logger.Warn("provider failed, using defaults",
				zap.String("provider", j.p.Name()),
				zap.String("dimension", string(j.p.Dimension())),
				zap.Error(err),
			)
			continue
		}
		fragments = append(fragments, f)
		if _, ok := j.p.(situation.Refresher); ok {
			a.mu.Lock()
			a.cache[j.p.Name()] = cachedFragment{fragment: f, at: now}
			a.mu.Unlock()
		}
	}
	return fragments
}

func (a *Aggregator) record(snap *situation.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = snap
	a.history = appendRing(a.history, snap, a.capacity)
}

func appendRing(h []*situation.Snapshot, s *situation.Snapshot, capacity int) []*situation.Snapshot {
	if len(h) >= capacity {
		n := copy(h, h[len(h)-capacity+1:])
		h = h[:n]
	}
	return append(h, s)
}

// Run performs a cycle immediately and then every interval until ctx is
// done. Each tick waits for the previous cycle to finish.
func (a *Aggregator) Run(ctx context.Context) error {
	a.Update(ctx)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Update(ctx)
		}
	}
}

// --- Accessors ---

// Current returns the latest snapshot, or nil before the first cycle.
func (a *Aggregator) Current() *situation.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// History returns up to limit of the most recent snapshots, oldest first.
// A limit of zero or less returns the whole ring.
func (a *Aggregator) History(limit int) []*situation.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.history
	if limit > 0 && limit < len(h) {
		h = h[len(h)-limit:]
	}
	return append([]*situation.Snapshot(nil), h...)
}

// SaveHistory persists the ring under the contextHistory key.
func (a *Aggregator) SaveHistory(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	if err := a.store.Set(ctx, store.KeyHistory, a.History(0)); err != nil {
		return fmt.Errorf("aggregator: save history: %w", err)
	}
	return nil
}

// LoadHistory restores a persisted ring, keeping the newest entries up to
// capacity. The last entry becomes the current snapshot.
func (a *Aggregator) LoadHistory(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	var stored []*situation.Snapshot
	found, err := a.store.Get(ctx, store.KeyHistory, &stored)
	if err != nil {
		return fmt.Errorf("aggregator: load history: %w", err)
	}
	if !found {
		return nil
	}
	if len(stored) > a.capacity {
		stored = stored[len(stored)-a.capacity:]
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = stored
	if len(stored) > 0 {
		a.current = stored[len(stored)-1]
	}
	return nil
}
