package fraud

import (
	"context"
	"time"
)

// Phase says when a detector runs
type Phase int

const (
	// PhaseRealtime detectors run inline during ingestion and make no network calls
	PhaseRealtime Phase = iota
	// PhaseDeferred detectors need telemetry that arrives later or external lookups
	PhaseDeferred
)

func (p Phase) String() string {
	if p == PhaseRealtime {
		return "realtime"
	}
	return "deferred"
}

// Input is what a detector sees for one evaluation
type Input struct {
	Config Config
	Event  Event
	// Bundle is the client signal bundle sent with the current request
	Bundle *ClientSignals
	Now    time.Time
}

// Finding is a detector result before the engine turns it into a Signal
type Finding struct {
	Kind     SignalKind
	Points   int
	Reason   string
	Evidence Evidence
	Guard    Guard
}

// Detector evaluates one fraud heuristic. Detectors only read; the engine
// persists findings.
type Detector interface {
	Kind() SignalKind
	Phase() Phase
	// Applies reports whether the detector is enabled and relevant for the event
	Applies(in Input) bool
	Detect(ctx context.Context, in Input) (*Finding, error)
}
