package sop

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/HendryAvila/routine/internal/store"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var defaultTemplatesYAML []byte

// Template is a reusable SOP definition.
type Template struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty"`
	UsageCount  int    `json:"usageCount" yaml:"usageCount"`
	Definition  SOP    `json:"definition" yaml:"definition"`
}

// DefaultTemplates returns the templates installed on first run.
func DefaultTemplates() ([]Template, error) {
	var doc struct {
		Templates []Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(defaultTemplatesYAML, &doc); err != nil {
		return nil, fmt.Errorf("sop: decode default templates: %w", err)
	}
	for i := range doc.Templates {
		doc.Templates[i].Definition.IsActive = true
	}
	return doc.Templates, nil
}

// SaveTemplate adds or replaces a template. Its definition must build.
func (r *Registry) SaveTemplate(ctx context.Context, t Template) (*Template, error) {
	if t.Name == "" {
		return nil, defErr("name", "template name is required")
	}
	if _, err := Build(t.Definition); err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.templates[t.ID]; ok {
		t.UsageCount = old.UsageCount
	} else {
		r.tplOrder = append(r.tplOrder, t.ID)
	}
	r.templates[t.ID] = &t
	if err := r.persistTemplatesLocked(ctx); err != nil {
		return nil, err
	}
	cp := t
	return &cp, nil
}

// Templates lists templates in insertion order.
func (r *Registry) Templates() []Template {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Template, 0, len(r.tplOrder))
	for _, id := range r.tplOrder {
		out = append(out, *r.templates[id])
	}
	return out
}

// Instantiate creates a new SOP from a template and bumps the template's
// usage counter. Blank id or name fall back to a fresh uuid and the
// template's definition name.
func (r *Registry) Instantiate(ctx context.Context, templateID, id, name string) (*SOP, error) {
	r.mu.Lock()
	t, ok := r.templates[templateID]
	var def SOP
	if ok {
		def = *t.Definition.Clone()
	}
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: template %s", ErrNotFound, templateID)
	}

	def.ID = id
	if name != "" {
		def.Name = name
	}
	def.Stats = Stats{}
	def.CreatedAt = time.Time{}
	s, err := r.Create(ctx, def)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.templates[templateID]; ok {
		t.UsageCount++
	}
	if err := r.persistTemplatesLocked(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Registry) persistTemplatesLocked(ctx context.Context) error {
	out := make([]Template, 0, len(r.tplOrder))
	for _, id := range r.tplOrder {
		out = append(out, *r.templates[id])
	}
	if err := r.store.Set(ctx, store.KeyTemplates, out); err != nil {
		return fmt.Errorf("sop: persist templates: %w", err)
	}
	return nil
}
