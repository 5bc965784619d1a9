// Package event carries the three run-scoped event channels: log lines
// destined for the thread_logs table, admin events fanned out live to
// SSE subscribers, and workflow UI events destined for the
// thread_workflow_ui_events table. Emission is fire-and-forget; a
// failed append or broadcast is logged and never aborts execution.
package event

import "time"

// Log levels for run-scoped log lines.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// LogLine is one run-scoped log entry. Lines queue per thread and are
// batch-inserted when the run reaches a terminal status.
type LogLine struct {
	ThreadID  string    `json:"thread_id"`
	Text      string    `json:"text"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// Admin event types. These fan out to live subscribers only; nothing is
// persisted.
const (
	TypeAck           = "ack"
	TypeRunStarted    = "run_started"
	TypeRunCancelled  = "run_cancelled"
	TypeRunRejected   = "run_rejected"
	TypeStatusUpdated = "status_updated"
)

// AdminEvent is a lifecycle notification for dashboards.
type AdminEvent struct {
	Type      string         `json:"type"`
	ThreadID  string         `json:"thread_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Workflow UI phases. Events link into a DAG through ParentEventID:
// planner decisions parent the agent events they trigger, agent events
// parent their pipeline steps, and parallel groups parent their
// branches.
const (
	PhasePlannerDecision = "planner_decision"
	PhaseAgentStart      = "agent_start"
	PhaseAgentResult     = "agent_result"
	PhaseAgentError      = "agent_error"
	PhaseStepStart       = "pipeline_step_start"
	PhaseStepResult      = "pipeline_step_result"
	PhaseStepError       = "pipeline_step_error"
	PhaseParallelStart   = "parallel_group_start"
	PhaseParallelEnd     = "parallel_group_end"
)

// UIEvent is one structured workflow-visualization event. Events queue
// per thread and are batch-persisted at terminal status.
type UIEvent struct {
	// EventID is assigned by the bus when empty.
	EventID string `json:"event_id"`

	// ParentEventID links this event to the one that caused it; empty
	// for roots.
	ParentEventID string `json:"parent_event_id,omitempty"`

	ThreadID string `json:"thread_id"`
	Phase    string `json:"phase"`

	// Skill names the agent involved, when there is one.
	Skill string `json:"skill,omitempty"`

	// PipelineStepID identifies the pipeline step for step-phase
	// events.
	PipelineStepID string `json:"pipeline_step_id,omitempty"`

	// Detail carries phase-specific payload (reasoning, output keys,
	// error text).
	Detail map[string]any `json:"detail,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
