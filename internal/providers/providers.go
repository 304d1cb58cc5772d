// Package providers holds the built-in context providers. None of them
// touch real sensors; they derive fragments from the clock, from static
// configuration, or from a caller-supplied function.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/HendryAvila/routine/internal/situation"
	"github.com/HendryAvila/routine/internal/value"
)

// --- Clock ---

// Clock derives the time fragment from a wall clock.
type Clock struct {
	now    func() time.Time
	events func() []situation.NearEvent
}

// NewClock returns the time provider. A nil now uses time.Now; events may be
// nil when no calendar is attached.
func NewClock(now func() time.Time, events func() []situation.NearEvent) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now, events: events}
}

func (c *Clock) Name() string                   { return "clock" }
func (c *Clock) Dimension() situation.Dimension { return situation.DimensionTime }

func (c *Clock) Fetch(ctx context.Context) (situation.Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := TimeAt(c.now())
	if c.events != nil {
		f.NearEvents = c.events()
	}
	return f, nil
}

// TimeAt builds the time fragment for t in t's location.
func TimeAt(t time.Time) situation.TimeFragment {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	weekday := t.Weekday()
	weekend := weekday == time.Saturday || weekday == time.Sunday
	return situation.TimeFragment{
		CurrentTime:    hour,
		TimeOfDay:      timeOfDay(t.Hour()),
		DayOfWeek:      strings.ToLower(weekday.String()),
		IsWeekend:      weekend,
		IsWorkingHours: !weekend && t.Hour() >= 9 && t.Hour() < 17,
	}
}

func timeOfDay(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 17:
		return "afternoon"
	case hour >= 17 && hour < 21:
		return "evening"
	default:
		return "night"
	}
}

// --- Static ---

// Static serves a fixed fragment, typically configured in YAML.
type Static struct {
	name     string
	fragment situation.Fragment
	refresh  time.Duration
}

// NewStatic wraps an already-typed fragment.
func NewStatic(name string, f situation.Fragment) *Static {
	return &Static{name: name, fragment: f}
}

// StaticFromData decodes raw configuration data into the fragment for dim.
// The data is round-tripped through the value codec so YAML maps decode into
// the typed fragment structs.
func StaticFromData(name string, dim situation.Dimension, data map[string]any) (*Static, error) {
	if err := situation.ValidateDimension(dim); err != nil {
		return nil, fmt.Errorf("providers: static %q: %w", name, err)
	}
	f, err := decodeFragment(dim, data)
	if err != nil {
		return nil, fmt.Errorf("providers: static %q: %w", name, err)
	}
	return &Static{name: name, fragment: f}, nil
}

// WithRefresh sets the interval the aggregator may cache the fragment for.
func (s *Static) WithRefresh(d time.Duration) *Static {
	s.refresh = d
	return s
}

func (s *Static) Name() string                   { return s.name }
func (s *Static) Dimension() situation.Dimension { return s.fragment.Dimension() }
func (s *Static) RefreshInterval() time.Duration { return s.refresh }

func (s *Static) Fetch(context.Context) (situation.Fragment, error) {
	return s.fragment, nil
}

// --- Func ---

// Func adapts a function into a provider.
type Func struct {
	name string
	dim  situation.Dimension
	fn   func(ctx context.Context) (situation.Fragment, error)
}

// NewFunc returns a provider that calls fn on every fetch.
func NewFunc(name string, dim situation.Dimension, fn func(ctx context.Context) (situation.Fragment, error)) *Func {
	return &Func{name: name, dim: dim, fn: fn}
}

func (f *Func) Name() string                   { return f.name }
func (f *Func) Dimension() situation.Dimension { return f.dim }

func (f *Func) Fetch(ctx context.Context) (situation.Fragment, error) {
	return f.fn(ctx)
}

// --- Reported ---

// ErrNotReported is returned by Reported.Fetch before anything was set.
var ErrNotReported = errors.New("providers: nothing reported")

// Reported holds the latest fragment reported for one dimension, for
// situations no provider can observe.
type Reported struct {
	dim situation.Dimension

	mu       sync.RWMutex
	fragment situation.Fragment
}

// ReportedName is the provider name NewReported uses for dim.
func ReportedName(dim situation.Dimension) string { return "reported:" + string(dim) }

// NewReported returns an empty reported provider for dim.
func NewReported(dim situation.Dimension) (*Reported, error) {
	if err := situation.ValidateDimension(dim); err != nil {
		return nil, fmt.Errorf("providers: reported: %w", err)
	}
	return &Reported{dim: dim}, nil
}

func (r *Reported) Name() string                   { return ReportedName(r.dim) }
func (r *Reported) Dimension() situation.Dimension { return r.dim }

// Set decodes data into the fragment served from now on.
func (r *Reported) Set(data map[string]any) error {
	f, err := decodeFragment(r.dim, data)
	if err != nil {
		return fmt.Errorf("providers: %s: %w", r.Name(), err)
	}
	r.mu.Lock()
	r.fragment = f
	r.mu.Unlock()
	return nil
}

// Clear forgets the reported fragment.
func (r *Reported) Clear() {
	r.mu.Lock()
	r.fragment = nil
	r.mu.Unlock()
}

func (r *Reported) Fetch(context.Context) (situation.Fragment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fragment == nil {
		return nil, ErrNotReported
	}
	return r.fragment, nil
}

// --- decoding ---

func decodeFragment(dim situation.Dimension, data map[string]any) (situation.Fragment, error) {
	v := value.From(data)
	switch dim {
	case situation.DimensionTime:
		return decode[situation.TimeFragment](v)
	case situation.DimensionLocation:
		return decode[situation.LocationFragment](v)
	case situation.DimensionPerson:
		return decode[situation.PersonFragment](v)
	case situation.DimensionEvent:
		return decode[situation.EventFragment](v)
	case situation.DimensionDevice:
		return decode[situation.DeviceFragment](v)
	case situation.DimensionPhysiology:
		return decode[situation.PhysiologyFragment](v)
	case situation.DimensionPsychology:
		return decode[situation.PsychologyFragment](v)
	case situation.DimensionTaskQueue:
		return decode[situation.TaskQueueFragment](v)
	case situation.DimensionExternal:
		ext := situation.ExternalFragment{}
		for _, k := range v.Keys() {
			ext[k] = v.Field(k)
		}
		return ext, nil
	}
	return nil, fmt.Errorf("unsupported dimension %q", dim)
}

func decode[T situation.Fragment](v value.Value) (situation.Fragment, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var f T
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode %s fragment: %w", f.Dimension(), err)
	}
	return f, nil
}
