package domain

import "time"

// Event is a mapping outcome published to downstream consumers.
type Event struct {
	ID           string    `json:"id"`
	EventType    EventType `json:"event_type"`
	DeploymentID string    `json:"deployment_id"`
	Block        BlockPtr  `json:"block"`
	Trigger      *Trigger  `json:"trigger,omitempty"`
	EmittedAt    time.Time `json:"emitted_at"`
}

type EventType string

const (
	EventTypeTriggerApplied  EventType = "trigger_applied"
	EventTypeTriggerReverted EventType = "trigger_reverted"
	EventTypeBlockReverted   EventType = "block_reverted"
)
