package journal

import (
	"context"
	"time"
)

// Event types written by the grid engine.
const (
	EventFill            = "fill"
	EventRiskHalt        = "risk_halt"
	EventUnlockTimeout   = "unlock_timeout"
	EventLadderCommitted = "ladder_committed"
	EventFundsWarning    = "funds_warning"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time
	Type        string
	Description string
	Data        map[string]any
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}
