package rules

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HendryAvila/routine/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// timeNow is replaced in tests.
var timeNow = time.Now

//go:embed defaults.yaml
var defaultRulesYAML []byte

// DefaultRules returns the rules installed on first run.
func DefaultRules() ([]Rule, error) {
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(defaultRulesYAML, &doc); err != nil {
		return nil, fmt.Errorf("rules: decode defaults: %w", err)
	}
	return doc.Rules, nil
}

// RuleSet is the owned, persisted rule collection. All access goes through
// its methods; callers only ever see copies.
type RuleSet struct {
	mu     sync.Mutex
	rules  map[string]*Rule
	order  []string
	store  store.Store
	logger *zap.Logger
}

// NewRuleSet returns an empty rule set persisting to st. Call Load to
// rehydrate.
func NewRuleSet(st store.Store, logger *zap.Logger) *RuleSet {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleSet{
		rules:  make(map[string]*Rule),
		store:  st,
		logger: logger.Named("rules"),
	}
}

// Load reads the persisted rules. When nothing is stored yet the embedded
// defaults are installed and saved.
func (s *RuleSet) Load(ctx context.Context) error {
	var stored []Rule
	found, err := s.store.Get(ctx, store.KeyRules, &stored)
	if err != nil {
		return fmt.Errorf("rules: load: %w", err)
	}
	if !found {
		stored, err = DefaultRules()
		if err != nil {
			return err
		}
		now := timeNow().UTC()
		for i := range stored {
			stored[i].CreatedAt = now
			stored[i].UpdatedAt = now
		}
		s.logger.Info("installing default rules", zap.Int("count", len(stored)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = make(map[string]*Rule, len(stored))
	s.order = s.order[:0]
	for i := range stored {
		r := stored[i]
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if err := Validate(&r); err != nil {
			s.logger.Warn("dropping invalid stored rule", zap.String("rule_id", r.ID), zap.Error(err))
			continue
		}
		if _, dup := s.rules[r.ID]; dup {
			continue
		}
		s.rules[r.ID] = &r
		s.order = append(s.order, r.ID)
	}
	if !found {
		return s.persistLocked(ctx)
	}
	return nil
}

// Create validates and adds a rule. A blank id is replaced with a uuid.
func (s *RuleSet) Create(ctx context.Context, r Rule) (*Rule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.ConditionLogic == "" {
		r.ConditionLogic = LogicAND
	}
	if err := Validate(&r); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, r.ID)
	}
	now := timeNow().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.Stats = Stats{}
	s.rules[r.ID] = &r
	s.order = append(s.order, r.ID)
	if err := s.persistLocked(ctx); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// Update replaces an existing rule's definition, keeping its creation time
// and stats.
func (s *RuleSet) Update(ctx context.Context, r Rule) (*Rule, error) {
	if r.ConditionLogic == "" {
		r.ConditionLogic = LogicAND
	}
	if err := Validate(&r); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.rules[r.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	r.CreatedAt = old.CreatedAt
	r.Stats = old.Stats
	r.UpdatedAt = timeNow().UTC()
	s.rules[r.ID] = &r
	if err := s.persistLocked(ctx); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// Delete removes a rule.
func (s *RuleSet) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.rules, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return s.persistLocked(ctx)
}

// SetEnabled toggles a rule.
func (s *RuleSet) SetEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.Enabled = enabled
	r.UpdatedAt = timeNow().UTC()
	return s.persistLocked(ctx)
}

// Get returns a copy of one rule.
func (s *RuleSet) Get(id string) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

// List returns copies of all rules, highest priority first, insertion
// order within a priority.
func (s *RuleSet) List() []*Rule {
	return s.collect(func(*Rule) bool { return true })
}

// Enabled returns copies of the enabled rules in List order.
func (s *RuleSet) Enabled() []*Rule {
	return s.collect(func(r *Rule) bool { return r.Enabled })
}

func (s *RuleSet) collect(keep func(*Rule) bool) []*Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Rule, 0, len(s.order))
	for _, id := range s.order {
		if r := s.rules[id]; keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Fire records a trigger of rule id at now if its constraints allow it.
// It reports whether the trigger was permitted.
func (s *RuleSet) Fire(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !r.Constraints.Allows(r.Stats.RecentTriggers, now) {
		s.logger.Debug("rule blocked by constraints", zap.String("rule_id", id))
		return false, nil
	}
	r.Stats.TriggerCount++
	t := now.UTC()
	r.Stats.LastTriggered = &t
	r.Stats.RecentTriggers = append(r.Constraints.Prune(r.Stats.RecentTriggers, now), t)
	return true, s.persistLocked(ctx)
}

func (s *RuleSet) persistLocked(ctx context.Context) error {
	out := make([]Rule, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.rules[id])
	}
	if err := s.store.Set(ctx, store.KeyRules, out); err != nil {
		return fmt.Errorf("rules: persist: %w", err)
	}
	return nil
}
