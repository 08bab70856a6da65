// Package storage persists authorization decision events for audit.
package storage

import "time"

// EventWriter is the interface for writing decision events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *DecisionEvent)
	Close()
}

// DecisionEvent records one authorization check: who asked, what for,
// and how it was decided. Violated* fields are set only for policy
// violations; PolicyPresent distinguishes constrained allows from the
// default-allow path.
type DecisionEvent struct {
	RequestID        string
	Timestamp        time.Time
	WalletTokenID    string
	ToolID           string
	Delegatee        string
	ParamsJSON       string
	Decision         string // "allowed", "denied"
	Reason           string // deny reason, empty on allow
	ViolatedField    string
	ViolatedBound    string
	ViolatedProposed string
	PolicyPresent    bool
	KeyID            string
	LatencyMs        float32
}
