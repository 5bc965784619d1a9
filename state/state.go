// Package state defines the per-run state bag that the graph engine
// checkpoints on every transition: the SOP, the dot-notation data store,
// the append-only history, and the execution sequence used for loop
// detection.
package state

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Reserved control keys on the data store. They are read and written by the
// engine and executors, never by skills, and are excluded from the key set
// the planner advertises.
const (
	// KeyStatus holds the run-level status written by the engine on fatal
	// failures ("failed"). Once set to StatusFailed, the only legal next
	// active skill is EndSentinel.
	KeyStatus = "_status"

	// KeyError holds the human-readable description of a fatal failure.
	KeyError = "_error"

	// KeyFailedSkill names the skill that caused a fatal failure.
	KeyFailedSkill = "_failed_skill"

	// KeyRestPending holds the set (encoded as a list) of REST skill names
	// that have been dispatched and are waiting on their callback.
	KeyRestPending = "_rest_pending"

	// KeyBroadcast is the advisory flag controlling whether per-step
	// workflow UI events are broadcast for this run.
	KeyBroadcast = "_broadcast"
)

// StatusFailed is the value of KeyStatus after a fatal failure.
const StatusFailed = "failed"

// EndSentinel is the planner's terminal choice: no further skill runs.
const EndSentinel = "END"

// RunState is the checkpointed state of a single run (thread).
//
// It is a value type: nodes receive a deep copy, mutate it, and return it.
// All fields must survive a JSON round trip, which is also how Clone and the
// checkpoint stores serialize it.
type RunState struct {
	// ThreadID is the caller-chosen, globally unique run identifier.
	ThreadID string `json:"thread_id"`

	// WorkspaceID scopes skill resolution. Empty means the public scope.
	WorkspaceID string `json:"workspace_id,omitempty"`

	// LaymanSOP is the natural-language Standard Operating Procedure the
	// planner works toward.
	LaymanSOP string `json:"layman_sop"`

	// DataStore is the nested key/value bag skills read inputs from and
	// merge outputs into. Keys are addressed with dot-notation paths.
	DataStore map[string]any `json:"data_store"`

	// History is the append-only list of human-readable run events
	// ("Process Started", "Planner chose X", "Executed Y (llm)", ...).
	History []string `json:"history"`

	// ActiveSkill is the planner's current choice: a skill name,
	// EndSentinel, or empty before the first planning step.
	ActiveSkill string `json:"active_skill,omitempty"`

	// ExecutionSequence lists executed skill names in order. The loop
	// detector examines its tail. It grows monotonically.
	ExecutionSequence []string `json:"execution_sequence"`

	// LLMModel is the model the planner and LLM executor use for this run.
	LLMModel string `json:"llm_model,omitempty"`

	// Broadcast mirrors the _broadcast advisory flag: whether per-step
	// progress events should be emitted for this run.
	Broadcast bool `json:"broadcast,omitempty"`
}

// New creates the initial state for a run. The data map is used as the
// data store directly (callers pass ownership). History starts with the
// "Process Started" marker.
func New(threadID, workspaceID, sop string, data map[string]any, llmModel string, broadcast bool) RunState {
	if data == nil {
		data = make(map[string]any)
	}
	return RunState{
		ThreadID:          threadID,
		WorkspaceID:       workspaceID,
		LaymanSOP:         sop,
		DataStore:         data,
		History:           []string{"Process Started"},
		ExecutionSequence: []string{},
		LLMModel:          llmModel,
		Broadcast:         broadcast,
	}
}

// Clone returns a deep copy of the state via a JSON round trip.
//
// The engine hands each node a clone so a failed node cannot corrupt the
// checkpointed state. JSON round-tripping is slower than a hand-written
// copy but is guaranteed to agree with what the checkpoint stores persist.
func (s RunState) Clone() RunState {
	raw, err := json.Marshal(Sanitize(s.toMap()))
	if err != nil {
		// Sanitize removes the only values encoding/json rejects, so this
		// is unreachable for states built from JSON-compatible data.
		panic(fmt.Sprintf("state: clone marshal: %v", err))
	}
	var out RunState
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("state: clone unmarshal: %v", err))
	}
	if out.DataStore == nil {
		out.DataStore = make(map[string]any)
	}
	if out.History == nil {
		out.History = []string{}
	}
	if out.ExecutionSequence == nil {
		out.ExecutionSequence = []string{}
	}
	return out
}

// Map renders the state as the generic map the checkpoint stores
// persist. Non-finite floats are nulled the same way Clone nulls them,
// so the result always survives a strict JSON encoder.
func (s RunState) Map() map[string]any {
	raw, err := json.Marshal(Sanitize(s.toMap()))
	if err != nil {
		// Sanitize removes the only values encoding/json rejects, so this
		// is unreachable for states built from JSON-compatible data.
		panic(fmt.Sprintf("state: map marshal: %v", err))
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		panic(fmt.Sprintf("state: map unmarshal: %v", err))
	}
	return m
}

// toMap converts the state to a generic map so Sanitize can traverse it.
func (s RunState) toMap() map[string]any {
	return map[string]any{
		"thread_id":          s.ThreadID,
		"workspace_id":       s.WorkspaceID,
		"layman_sop":         s.LaymanSOP,
		"data_store":         s.DataStore,
		"history":            s.History,
		"active_skill":       s.ActiveSkill,
		"execution_sequence": s.ExecutionSequence,
		"llm_model":          s.LLMModel,
		"broadcast":          s.Broadcast,
	}
}

// AppendHistory records a run event. Events are never rewritten or removed.
func (s *RunState) AppendHistory(entry string) {
	s.History = append(s.History, entry)
}

// HasExecuted reports whether history records a completed execution of the
// named skill. Both the direct marker ("Executed X (llm)") and the REST
// callback marker ("Executed X (REST callback)") count.
func (s *RunState) HasExecuted(skill string) bool {
	prefix := "Executed " + skill + " ("
	for _, h := range s.History {
		if strings.HasPrefix(h, prefix) {
			return true
		}
	}
	return false
}

// MarkFailed records a fatal failure on the data store. After this the
// planner short-circuits to EndSentinel.
func (s *RunState) MarkFailed(skill, msg string) {
	if s.DataStore == nil {
		s.DataStore = make(map[string]any)
	}
	s.DataStore[KeyStatus] = StatusFailed
	s.DataStore[KeyError] = msg
	if skill != "" {
		s.DataStore[KeyFailedSkill] = skill
	}
}

// Failed reports whether the run has been marked failed.
func (s *RunState) Failed() bool {
	v, ok := s.DataStore[KeyStatus]
	return ok && v == StatusFailed
}

// FailureError returns the recorded _error message, if any.
func (s *RunState) FailureError() string {
	if v, ok := s.DataStore[KeyError].(string); ok {
		return v
	}
	return ""
}

// FailedSkill returns the recorded _failed_skill name, if any.
func (s *RunState) FailedSkill() string {
	if v, ok := s.DataStore[KeyFailedSkill].(string); ok {
		return v
	}
	return ""
}

// RestPending returns the names of REST skills waiting on a callback, in
// insertion order. The underlying value tolerates both []string (fresh
// writes) and []any (after a JSON round trip).
func (s *RunState) RestPending() []string {
	raw, ok := s.DataStore[KeyRestPending]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if name, ok := e.(string); ok {
				out = append(out, name)
			}
		}
		return out
	}
	return nil
}

// IsRestPending reports whether the named skill is waiting on a callback.
func (s *RunState) IsRestPending(skill string) bool {
	for _, name := range s.RestPending() {
		if name == skill {
			return true
		}
	}
	return false
}

// AddRestPending adds a skill to the pending set. Adding a skill that is
// already pending is a no-op, which is what makes REST dispatch safe to
// replay across recovery.
func (s *RunState) AddRestPending(skill string) {
	if s.IsRestPending(skill) {
		return
	}
	if s.DataStore == nil {
		s.DataStore = make(map[string]any)
	}
	s.DataStore[KeyRestPending] = append(s.RestPending(), skill)
}

// RemoveRestPending removes a skill from the pending set. When the set
// becomes empty the key is deleted so the planner's await short-circuit
// releases.
func (s *RunState) RemoveRestPending(skill string) {
	pending := s.RestPending()
	out := pending[:0]
	for _, name := range pending {
		if name != skill {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		delete(s.DataStore, KeyRestPending)
		return
	}
	s.DataStore[KeyRestPending] = out
}
