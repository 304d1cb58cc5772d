package situation

import (
	"sort"
	"strings"
)

// Score thresholds used by tag derivation.
const (
	highStressThreshold = 70
	lowEnergyThreshold  = 40
	focusedThreshold    = 70
	lowBatteryThreshold = 20
)

var energyBase = map[string]int{
	LevelLow:    30,
	LevelMedium: 60,
	LevelHigh:   90,
}

var focusBase = map[string]int{
	LevelLow:    30,
	LevelNormal: 60,
	LevelHigh:   85,
}

var timeOfDayEnergy = map[string]int{
	"morning":   5,
	"afternoon": 0,
	"evening":   -5,
	"night":     -15,
}

var loadFocus = map[string]int{
	LevelLow:      5,
	LevelModerate: 0,
	LevelHigh:     -15,
}

var loadStress = map[string]int{
	LevelLow:      0,
	LevelModerate: 10,
	LevelHigh:     20,
}

// computeScore derives the four indicators from fragments only, so equal
// fragments always yield equal scores.
func computeScore(s *Snapshot) Score {
	energy := lookupOr(energyBase, s.Physiology.Energy, 60)
	if s.Time != nil {
		energy += timeOfDayEnergy[s.Time.TimeOfDay]
	}

	focus := lookupOr(focusBase, s.Psychology.Focus, 60)
	focus += loadFocus[s.Psychology.CognitiveLoad]

	stress := 20 + loadStress[s.Psychology.CognitiveLoad]
	if s.TaskQueue != nil {
		stress += 10*s.TaskQueue.Overdue + 5*s.TaskQueue.HighPriority
	}
	if s.Event != nil && s.Event.InMeeting {
		stress += 10
	}

	energy = clamp(energy)
	focus = clamp(focus)
	stress = clamp(stress)

	productivity := (energy+focus)/2 - stress/4
	if s.Time != nil && s.Time.IsWorkingHours {
		productivity += 10
	}

	return Score{
		Productivity: clamp(productivity),
		Energy:       energy,
		Focus:        focus,
		Stress:       stress,
	}
}

// computeTags derives string tags from fragments and the score. The
// result is sorted and free of duplicates.
func computeTags(s *Snapshot) []string {
	set := map[string]struct{}{}
	add := func(tag string) { set[tag] = struct{}{} }

	if s.Time != nil {
		if s.Time.TimeOfDay != "" {
			add(s.Time.TimeOfDay)
		}
		if s.Time.IsWeekend {
			add("weekend")
		} else {
			add("weekday")
		}
		if s.Time.IsWorkingHours {
			add("working-hours")
		}
	}
	if s.Event != nil && s.Event.InMeeting {
		add("in-meeting")
	}
	if s.Device != nil {
		if s.Device.BatteryLevel < lowBatteryThreshold && !s.Device.Charging {
			add("low-battery")
		}
		if !s.Device.Online {
			add("offline")
		}
	}
	if s.Location.Enabled && s.Location.Type != "" {
		add("location:" + strings.ToLower(s.Location.Type))
	}
	if s.TaskQueue != nil && s.TaskQueue.Overdue > 0 {
		add("overdue-tasks")
	}
	if s.Score.Stress >= highStressThreshold {
		add("high-stress")
	}
	if s.Score.Energy < lowEnergyThreshold {
		add("low-energy")
	}
	if s.Score.Focus >= focusedThreshold {
		add("focused")
	}

	tags := make([]string, 0, len(set))
	for tag := range set {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func lookupOr(m map[string]int, key string, fallback int) int {
	if v, ok := m[key]; ok {
		return v
	}
	return fallback
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
