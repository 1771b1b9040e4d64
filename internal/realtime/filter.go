package realtime

import "slices"

// Subscription narrows the events a client receives. The zero value matches
// everything.
type Subscription struct {
	AllEvents    bool        `json:"allEvents"`
	EventTypes   []EventType `json:"eventTypes"`
	Accounts     []int64     `json:"accounts"`
	MinRiskScore float64     `json:"minRiskScore"`
}

// Matches reports whether e passes every filter set on s. Account filters
// match when either side of the transfer is watched.
func (s *Subscription) Matches(e *Event) bool {
	if s == nil || s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	if len(s.Accounts) > 0 && !slices.ContainsFunc(e.accounts, func(id int64) bool {
		return slices.Contains(s.Accounts, id)
	}) {
		return false
	}
	return e.riskScore >= s.MinRiskScore
}
