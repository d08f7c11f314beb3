// Package events defines the append-only audit record and the bus events that
// coordinate workflow execution across processes.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Bus topics.
const Topic = "orcha.events"          // Execution lifecycle and coordination events
const TasksTopic = "orcha.stage.tasks" // Durable stage dispatch queue

const EventKeyMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Workflow lifecycle.
	WorkflowStarted    EventType = "workflow_started"
	WorkflowCompleted  EventType = "workflow_completed"
	WorkflowFailed     EventType = "workflow_failed"
	WorkflowCancelled  EventType = "workflow_cancelled"
	WorkflowRolledBack EventType = "workflow_rolled_back"

	// Stage lifecycle.
	StageStarted   EventType = "stage_started"
	StageSucceeded EventType = "stage_succeeded"
	StageFailed    EventType = "stage_failed"
	StageRetrying  EventType = "stage_retrying"

	// Compensation sweep.
	StageCompensated   EventType = "stage_compensated"
	CompensationFailed EventType = "compensation_failed"

	// Coordination events carried on the bus only, never persisted as audit rows.
	ExecutionStartedEvent EventType = "execution.started"
	CancelRequestedEvent  EventType = "execution.cancel_requested"
	TickRequestedEvent    EventType = "execution.tick_requested"
	StageTaskEvent        EventType = "stage.task"
)

// WorkflowEvent is one append-only audit row. Rows are never updated or deleted; the
// event stream is the ground truth for reconstructing history after a crash.
type WorkflowEvent struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Type        EventType      `json:"type"`
	StageID     string         `json:"stage_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewWorkflowEvent builds an audit row with a fresh id and UTC timestamp.
func NewWorkflowEvent(executionID string, eventType EventType, stageID string, metadata map[string]any) *WorkflowEvent {
	if metadata == nil {
		metadata = make(map[string]any)
	}

	return &WorkflowEvent{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		Type:        eventType,
		StageID:     stageID,
		Metadata:    metadata,
		Timestamp:   time.Now().UTC(),
	}
}

// BaseEvent is the envelope shared by all bus events.
type BaseEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id"`
	WorkerID    string    `json:"worker_id,omitempty"`
}

func NewBaseEvent(eventType EventType, executionID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
	}
}

// ExecutionStarted announces a freshly created execution; a worker reacts by running
// the first scheduling pass.
type ExecutionStarted struct {
	BaseEvent

	DefinitionID string `json:"definition_id"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

// CancelRequested asks whichever worker picks it up to force the execution into the
// failure path with a synthetic reason.
type CancelRequested struct {
	BaseEvent

	Reason string `json:"reason"`
}

func (e CancelRequested) GetType() EventType {
	return CancelRequestedEvent
}

// TickRequested asks a worker to re-derive ready work for an execution. Published after
// stage completions and by the reconciler for executions with backed-off retries due.
type TickRequested struct {
	BaseEvent
}

func (e TickRequested) GetType() EventType {
	return TickRequestedEvent
}

// StageTask is one claimable unit of work on the dispatch queue. The log row it points
// at carries the authoritative state; a stale task whose row moved on is dropped by the
// claimer, which makes duplicate delivery harmless.
type StageTask struct {
	BaseEvent

	StageID    string `json:"stage_id"`
	LogID      string `json:"log_id"`
	Attempt    int    `json:"attempt"`
	Capability string `json:"capability"`
}

func (e StageTask) GetType() EventType {
	return StageTaskEvent
}
