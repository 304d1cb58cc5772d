package sop

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HendryAvila/routine/internal/store"
	"go.uber.org/zap"
)

// Registry is the owned SOP catalogue plus the template catalogue. Every
// accessor returns copies.
type Registry struct {
	mu        sync.Mutex
	sops      map[string]*SOP
	order     []string
	templates map[string]*Template
	tplOrder  []string
	store     store.Store
	logger    *zap.Logger
}

// NewRegistry returns an empty registry persisting to st. Call Load to
// rehydrate.
func NewRegistry(st store.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sops:      map[string]*SOP{},
		templates: map[string]*Template{},
		store:     st,
		logger:    logger.Named("sop"),
	}
}

// Load reads the persisted catalogues. Stored definitions that no longer
// build are dropped with a warning. Templates fall back to the embedded
// defaults when none are stored.
func (r *Registry) Load(ctx context.Context) error {
	var stored []SOP
	if _, err := r.store.Get(ctx, store.KeySOPs, &stored); err != nil {
		return fmt.Errorf("sop: load: %w", err)
	}
	var tpls []Template
	foundTpl, err := r.store.Get(ctx, store.KeyTemplates, &tpls)
	if err != nil {
		return fmt.Errorf("sop: load templates: %w", err)
	}
	if !foundTpl {
		if tpls, err = DefaultTemplates(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sops = map[string]*SOP{}
	r.order = nil
	for _, def := range stored {
		s, err := Build(def)
		if err != nil {
			r.logger.Warn("dropping invalid stored sop", zap.String("sop_id", def.ID), zap.Error(err))
			continue
		}
		s.CreatedAt, s.UpdatedAt = def.CreatedAt, def.UpdatedAt
		r.insertLocked(s)
	}
	r.templates = map[string]*Template{}
	r.tplOrder = nil
	for i := range tpls {
		t := tpls[i]
		r.templates[t.ID] = &t
		r.tplOrder = append(r.tplOrder, t.ID)
	}
	if !foundTpl {
		return r.persistTemplatesLocked(ctx)
	}
	return nil
}

// Create builds and adds a new SOP.
func (r *Registry) Create(ctx context.Context, def SOP) (*SOP, error) {
	s, err := Build(def)
	if err != nil {
		return nil, err
	}
	s.Stats = Stats{}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sops[s.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, s.ID)
	}
	r.insertLocked(s)
	if err := r.persistLocked(ctx); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Update rebuilds an existing SOP from def, keeping its stats and creation
// time. A failed build leaves the registry untouched.
func (r *Registry) Update(ctx context.Context, def SOP) (*SOP, error) {
	s, err := Build(def)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.sops[s.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, s.ID)
	}
	s.CreatedAt = old.CreatedAt
	s.Stats = old.Stats
	r.sops[s.ID] = s
	if err := r.persistLocked(ctx); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Put creates def or updates the SOP with the same id.
func (r *Registry) Put(ctx context.Context, def SOP) (*SOP, error) {
	if def.ID != "" {
		r.mu.Lock()
		_, exists := r.sops[def.ID]
		r.mu.Unlock()
		if exists {
			return r.Update(ctx, def)
		}
	}
	return r.Create(ctx, def)
}

// Remove deletes an SOP.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sops[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.sops, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return r.persistLocked(ctx)
}

// SetActive soft-activates or deactivates an SOP.
func (r *Registry) SetActive(ctx context.Context, id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sops[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.IsActive = active
	s.UpdatedAt = timeNow().UTC()
	return r.persistLocked(ctx)
}

// --- Lookups ---

// Get returns a copy of one SOP.
func (r *Registry) Get(id string) (*SOP, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Clone(), nil
}

// List returns every SOP in insertion order.
func (r *Registry) List() []*SOP {
	return r.filter(func(*SOP) bool { return true })
}

// ListByCategory returns the SOPs in category, in insertion order.
func (r *Registry) ListByCategory(category string) []*SOP {
	return r.filter(func(s *SOP) bool { return s.Category == category })
}

// ListByPriority returns SOPs with priority >= min, highest first.
func (r *Registry) ListByPriority(min int) []*SOP {
	out := r.filter(func(s *SOP) bool { return s.Priority >= min })
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

func (r *Registry) filter(keep func(*SOP) bool) []*SOP {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*SOP
	for _, id := range r.order {
		if s := r.sops[id]; keep(s) {
			out = append(out, s.Clone())
		}
	}
	return out
}

// --- Constraints and stats ---

// Allows reports whether the SOP's constraints permit a trigger at now.
func (r *Registry) Allows(id string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sops[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Constraints.Allows(s.Stats.RecentTriggers, now), nil
}

// RecordTrigger atomically checks the constraints and, when allowed,
// records a trigger at now. It reports whether the trigger was recorded.
func (r *Registry) RecordTrigger(ctx context.Context, id string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sops[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !s.Constraints.Allows(s.Stats.RecentTriggers, now) {
		return false, nil
	}
	s.Stats.RecentTriggers = append(s.Constraints.Prune(s.Stats.RecentTriggers, now), now.UTC())
	return true, r.persistLocked(ctx)
}

// RecordCompletion folds one finished execution into the running stats:
// newAvg = (oldAvg*(n-1) + sample) / n.
func (r *Registry) RecordCompletion(ctx context.Context, id string, success bool, duration time.Duration, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sops[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	st := &s.Stats
	st.TotalExecutions++
	n := float64(st.TotalExecutions)
	sample := 0.0
	if success {
		sample = 100
	}
	st.SuccessRate = (st.SuccessRate*(n-1) + sample) / n
	st.AverageDuration = (st.AverageDuration*(n-1) + duration.Seconds()) / n
	t := at.UTC()
	st.LastExecuted = &t
	return r.persistLocked(ctx)
}

// --- internal ---

func (r *Registry) insertLocked(s *SOP) {
	if _, ok := r.sops[s.ID]; !ok {
		r.order = append(r.order, s.ID)
	}
	r.sops[s.ID] = s
}

func (r *Registry) persistLocked(ctx context.Context) error {
	out := make([]*SOP, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sops[id])
	}
	if err := r.store.Set(ctx, store.KeySOPs, out); err != nil {
		return fmt.Errorf("sop: persist: %w", err)
	}
	return nil
}
