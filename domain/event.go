package domain

import "github.com/bytedance/sonic"

// Board event types published after confirmed mutations.
const (
	EventTaskMoved    = "task-moved"
	EventStageCreated = "stage-created"
	EventStageUpdated = "stage-updated"
	EventStageDeleted = "stage-deleted"
)

// BoardEvent records a confirmed board mutation for downstream consumers.
type BoardEvent struct {
	ID         string                 `json:"id"`
	EntityType string                 `json:"entityType"`
	EntityID   ID                     `json:"entityId"`
	Type       string                 `json:"type"`
	Data       sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp  int64                  `json:"timestamp"`
}

// BoardEventEnvelope wraps an event with the user whose board changed.
type BoardEventEnvelope struct {
	UserID string     `json:"userId"`
	Event  BoardEvent `json:"event"`
}
