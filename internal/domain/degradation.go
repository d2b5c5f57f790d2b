package domain

import "time"

// DegradationLevel is the graded posture of the system (or of one
// downstream service), ordered from healthy to fully offline.
type DegradationLevel int

const (
	DegradationNormal DegradationLevel = iota
	DegradationMinor
	DegradationModerate
	DegradationMajor
	DegradationCritical
	DegradationMaintenance
)

var degradationNames = map[DegradationLevel]string{
	DegradationNormal:      "normal",
	DegradationMinor:       "minor",
	DegradationModerate:    "moderate",
	DegradationMajor:       "major",
	DegradationCritical:    "critical",
	DegradationMaintenance: "maintenance",
}

func (l DegradationLevel) String() string {
	if s, ok := degradationNames[l]; ok {
		return s
	}
	return "unknown"
}

// ParseDegradationLevel maps a level name back to its value.
func ParseDegradationLevel(s string) (DegradationLevel, bool) {
	for l, name := range degradationNames {
		if name == s {
			return l, true
		}
	}
	return DegradationNormal, false
}

// ServiceDegradation is the per-service view maintained by the controller.
type ServiceDegradation struct {
	Service         string           `json:"service"`
	Level           DegradationLevel `json:"level"`
	Reason          string           `json:"reason,omitempty"`
	LastHealthyTime time.Time        `json:"last_healthy_time,omitzero"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// DegradationChanged is published when the overall level moves.
type DegradationChanged struct {
	From   DegradationLevel
	To     DegradationLevel
	Reason string
	At     time.Time
}
