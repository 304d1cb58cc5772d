package situation

import (
	"encoding/json"
	"time"

	"github.com/HendryAvila/routine/internal/value"
)

// Score holds the derived 0-100 indicators.
type Score struct {
	Productivity int `json:"productivity"`
	Energy       int `json:"energy"`
	Focus        int `json:"focus"`
	Stress       int `json:"stress"`
}

// Snapshot is one immutable situational context. Treat every field as
// read-only once New has returned: snapshots are shared between the
// aggregator history, the listener bus and running executions.
type Snapshot struct {
	ID         string              `json:"id"`
	Timestamp  time.Time           `json:"timestamp"`
	Time       *TimeFragment       `json:"time,omitempty"`
	Location   *LocationFragment   `json:"location,omitempty"`
	Person     *PersonFragment     `json:"person,omitempty"`
	Event      *EventFragment      `json:"event,omitempty"`
	Device     *DeviceFragment     `json:"device,omitempty"`
	Physiology *PhysiologyFragment `json:"physiology,omitempty"`
	Psychology *PsychologyFragment `json:"psychology,omitempty"`
	TaskQueue  *TaskQueueFragment  `json:"taskQueue,omitempty"`
	External   ExternalFragment    `json:"externalData"`
	Score      Score               `json:"score"`
	Tags       []string            `json:"tags"`

	tree value.Value
}

// New assembles a snapshot from fragments. When two fragments share a
// dimension the later one wins. Missing location, person, physiology,
// psychology and external fragments are default-filled, then score, tags
// and the query tree are computed.
func New(id string, ts time.Time, fragments ...Fragment) *Snapshot {
	s := &Snapshot{ID: id, Timestamp: ts}
	for _, f := range fragments {
		s.apply(f)
	}
	s.fillDefaults()
	s.Score = computeScore(s)
	s.Tags = computeTags(s)
	s.tree = s.buildTree()
	return s
}

func (s *Snapshot) apply(f Fragment) {
	switch t := f.(type) {
	case TimeFragment:
		s.Time = &t
	case *TimeFragment:
		cp := *t
		s.Time = &cp
	case LocationFragment:
		s.Location = &t
	case *LocationFragment:
		cp := *t
		s.Location = &cp
	case PersonFragment:
		s.Person = &t
	case *PersonFragment:
		cp := *t
		s.Person = &cp
	case EventFragment:
		s.Event = &t
	case *EventFragment:
		cp := *t
		s.Event = &cp
	case DeviceFragment:
		s.Device = &t
	case *DeviceFragment:
		cp := *t
		s.Device = &cp
	case PhysiologyFragment:
		s.Physiology = &t
	case *PhysiologyFragment:
		cp := *t
		s.Physiology = &cp
	case PsychologyFragment:
		s.Psychology = &t
	case *PsychologyFragment:
		cp := *t
		s.Psychology = &cp
	case TaskQueueFragment:
		s.TaskQueue = &t
	case *TaskQueueFragment:
		cp := *t
		s.TaskQueue = &cp
	case ExternalFragment:
		merged := make(ExternalFragment, len(s.External)+len(t))
		for k, v := range s.External {
			merged[k] = v
		}
		for k, v := range t {
			merged[k] = v
		}
		s.External = merged
	}
}

func (s *Snapshot) fillDefaults() {
	if s.Location == nil {
		s.Location = &LocationFragment{Enabled: false}
	}
	if s.Person == nil {
		s.Person = &PersonFragment{}
	}
	if s.Physiology == nil {
		s.Physiology = &PhysiologyFragment{Energy: LevelMedium}
	}
	if s.Psychology == nil {
		s.Psychology = &PsychologyFragment{
			Focus:         LevelNormal,
			Motivation:    LevelMedium,
			CognitiveLoad: LevelModerate,
		}
	}
	if s.External == nil {
		s.External = ExternalFragment{}
	}
}

// Tree returns the query tree used for dot-path field resolution.
func (s *Snapshot) Tree() value.Value {
	return s.tree
}

// Lookup resolves a dot path such as "time.timeOfDay" against the snapshot.
func (s *Snapshot) Lookup(path string) value.Value {
	return s.tree.Lookup(path)
}

// HasTag reports whether tag is present.
func (s *Snapshot) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (s *Snapshot) buildTree() value.Value {
	m := map[string]value.Value{
		"id":        value.String(s.ID),
		"timestamp": value.String(s.Timestamp.UTC().Format(time.RFC3339)),
		"score": value.Map(map[string]value.Value{
			"productivity": value.Int(s.Score.Productivity),
			"energy":       value.Int(s.Score.Energy),
			"focus":        value.Int(s.Score.Focus),
			"stress":       value.Int(s.Score.Stress),
		}),
		"tags":         value.Strings(s.Tags),
		"externalData": s.External.Value(),
	}
	put := func(present bool, f Fragment) {
		if present {
			m[string(f.Dimension())] = f.Value()
		}
	}
	put(s.Time != nil, derefOr(s.Time))
	put(s.Location != nil, derefOr(s.Location))
	put(s.Person != nil, derefOr(s.Person))
	put(s.Event != nil, derefOr(s.Event))
	put(s.Device != nil, derefOr(s.Device))
	put(s.Physiology != nil, derefOr(s.Physiology))
	put(s.Psychology != nil, derefOr(s.Psychology))
	put(s.TaskQueue != nil, derefOr(s.TaskQueue))
	return value.Map(m)
}

// derefOr returns *p or the zero fragment, keeping buildTree free of nil
// checks on the interface side.
func derefOr[T Fragment](p *T) Fragment {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}

// UnmarshalJSON restores a persisted snapshot and rebuilds its query tree.
// Score and tags are taken as stored.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	type plain Snapshot
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Snapshot(p)
	if s.External == nil {
		s.External = ExternalFragment{}
	}
	s.tree = s.buildTree()
	return nil
}
