// Package events publishes experiment lifecycle events to a Redis stream.
package events

import (
	"time"

	"github.com/google/uuid"
)

// StreamName is the Redis stream lifecycle events are appended to.
const StreamName = "gosplit:events"

// EventType identifies the lifecycle transition.
type EventType string

const (
	ExperimentCreated EventType = "experiment.created"
	WinnerDeclared    EventType = "experiment.winner_declared"
	ExperimentReset   EventType = "experiment.reset"
	ExperimentDeleted EventType = "experiment.deleted"
)

// Event is one experiment lifecycle transition.
type Event struct {
	EventID     uuid.UUID `json:"event_id"`
	EventType   EventType `json:"event_type"`
	Experiment  string    `json:"experiment"`
	Alternative string    `json:"alternative,omitempty"`
	Version     int       `json:"version"`
	Timestamp   time.Time `json:"timestamp"`
}
