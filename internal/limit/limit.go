// Package limit implements the trigger constraints shared by rules and SOPs:
// a cooldown window and a cap on triggers per calendar day.
package limit

import "time"

// Constraints limits how often something may fire. Zero fields are
// unlimited.
type Constraints struct {
	MaxTriggersPerDay int `json:"maxTriggersPerDay,omitempty" yaml:"maxTriggersPerDay,omitempty" validate:"gte=0"`
	CooldownMinutes   int `json:"cooldownMinutes,omitempty" yaml:"cooldownMinutes,omitempty" validate:"gte=0"`
}

// Cooldown returns the cooldown window as a duration.
func (c Constraints) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// IsZero reports whether no constraint is configured.
func (c Constraints) IsZero() bool {
	return c.MaxTriggersPerDay <= 0 && c.CooldownMinutes <= 0
}

// Allows reports whether a new trigger at now is permitted given the recent
// trigger timestamps. It is a pure predicate; recent need not be sorted.
func (c Constraints) Allows(recent []time.Time, now time.Time) bool {
	if c.IsZero() {
		return true
	}
	if c.CooldownMinutes > 0 {
		if last, ok := latest(recent); ok && now.Sub(last) < c.Cooldown() {
			return false
		}
	}
	if c.MaxTriggersPerDay > 0 && countSameDay(recent, now) >= c.MaxTriggersPerDay {
		return false
	}
	return true
}

// Prune drops timestamps that can no longer affect Allows at now, keeping
// the current calendar day and the cooldown window. The input is not
// modified.
func (c Constraints) Prune(recent []time.Time, now time.Time) []time.Time {
	y, m, d := now.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	cutoff := now.Add(-c.Cooldown())
	if dayStart.Before(cutoff) {
		cutoff = dayStart
	}
	out := make([]time.Time, 0, len(recent))
	for _, t := range recent {
		if !t.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func latest(ts []time.Time) (time.Time, bool) {
	var last time.Time
	for _, t := range ts {
		if t.After(last) {
			last = t
		}
	}
	return last, !last.IsZero()
}

func countSameDay(ts []time.Time, now time.Time) int {
	y, m, d := now.Date()
	n := 0
	for _, t := range ts {
		ty, tm, td := t.In(now.Location()).Date()
		if ty == y && tm == m && td == d {
			n++
		}
	}
	return n
}
