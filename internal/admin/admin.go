// Package admin provides operator endpoints for inspecting and nudging the
// in-process state of the risk core.
package admin

import "time"

// Stats is a point-in-time view of in-process state.
type Stats struct {
	FingerprintWindows int                    `json:"fingerprintWindows"`
	AlertQueueDepth    int                    `json:"alertQueueDepth"`
	IdempotencyKeys    *int                   `json:"idempotencyKeys,omitempty"`
	Realtime           map[string]interface{} `json:"realtime,omitempty"`
	Background         map[string]bool        `json:"background"`
	Timestamp          time.Time              `json:"timestamp"`
}

// SweepResult reports a forced sweep.
type SweepResult struct {
	Target    string        `json:"target"`
	Removed   int           `json:"removed"`
	Remaining int           `json:"remaining"`
	Duration  time.Duration `json:"durationNs"`
}
