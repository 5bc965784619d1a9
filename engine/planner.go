package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dshills/skillflow/event"
	"github.com/dshills/skillflow/model"
	"github.com/dshills/skillflow/skill"
	"github.com/dshills/skillflow/state"
)

// decision is one planner outcome: the chosen skill (or the END
// sentinel), the model's reasoning when it decided, and how the
// decision was reached for metrics.
type decision struct {
	Choice    string
	Reasoning string
	Outcome   string
}

// candidates is the dependency analysis the planner grounds its prompt
// and its guardrail in.
type candidates struct {
	// CurrentKeys are the dot-notation paths present with non-empty
	// values in the data store, reserved keys excluded.
	CurrentKeys []string

	// Runnable are the skills whose requires are all satisfied, that
	// are not awaiting a callback, and that are not already completed
	// with every produces key present.
	Runnable []*skill.Skill

	// Unblockers are runnable skills producing a key some other
	// not-yet-completable skill still needs.
	Unblockers []*skill.Skill
}

// plannerResponse is the JSON object the planner model must return.
type plannerResponse struct {
	NextAgent string `json:"next_agent"`
	Reasoning string `json:"reasoning"`
}

// computeCandidates derives the planner's working sets from the state
// and the workspace's skills. Skills arrive sorted by name, which makes
// the deterministic fallback ("first runnable, first unblocker") stable.
func computeCandidates(st *state.RunState, skills []*skill.Skill) candidates {
	c := candidates{CurrentKeys: state.Flatten(st.DataStore)}

	satisfied := func(key string) bool {
		v, ok := state.GetPath(st.DataStore, key)
		return ok && state.Present(v)
	}

	for _, sk := range skills {
		if !sk.IsEnabled() {
			continue
		}
		if st.IsRestPending(sk.Name) {
			continue
		}
		ready := true
		for _, key := range sk.Requires {
			if !satisfied(key) {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if st.HasExecuted(sk.Name) {
			done := true
			for _, key := range sk.Produces {
				if !satisfied(key) {
					done = false
					break
				}
			}
			if done {
				continue
			}
		}
		c.Runnable = append(c.Runnable, sk)
	}

	// A runnable skill unblocks another when it produces a key that
	// skill still needs and the blocked skill has not completed.
	for _, r := range c.Runnable {
		produces := make(map[string]bool, len(r.Produces))
		for _, key := range r.Produces {
			produces[key] = true
		}
		unblocks := false
		for _, other := range skills {
			if other.Name == r.Name || !other.IsEnabled() || st.HasExecuted(other.Name) {
				continue
			}
			for _, key := range other.Requires {
				if produces[key] && !satisfied(key) {
					unblocks = true
					break
				}
			}
			if unblocks {
				break
			}
		}
		if unblocks {
			c.Unblockers = append(c.Unblockers, r)
		}
	}
	return c
}

// plan decides the next skill. Short-circuits skip the model entirely:
// a failed run, a pending callback, or an empty candidate set all route
// straight to END. Otherwise the model is asked and its choice is
// checked against the candidate set; a hallucinated choice falls back
// deterministically to the first runnable skill, then the first
// unblocker, then END.
func (e *Engine) plan(ctx context.Context, st *state.RunState) decision {
	if st.Failed() {
		return decision{Choice: state.EndSentinel, Reasoning: "run has failed", Outcome: DecisionShortCircuit}
	}
	if len(st.RestPending()) > 0 {
		return decision{Choice: state.EndSentinel, Reasoning: "awaiting REST callback", Outcome: DecisionShortCircuit}
	}

	skills := e.registry.ForWorkspace(st.WorkspaceID)
	c := computeCandidates(st, skills)
	if len(c.Runnable) == 0 {
		return decision{Choice: state.EndSentinel, Reasoning: "no runnable skills", Outcome: DecisionShortCircuit}
	}

	allowed := map[string]bool{state.EndSentinel: true}
	for _, sk := range c.Runnable {
		allowed[sk.Name] = true
	}
	for _, sk := range c.Unblockers {
		allowed[sk.Name] = true
	}

	fallback := func(reason string) decision {
		e.logger.Warn("planner fallback", "thread_id", st.ThreadID, "reason", reason)
		e.bus.Warning(ctx, st.ThreadID, "Planner fallback: "+reason)
		if len(c.Runnable) > 0 {
			return decision{Choice: c.Runnable[0].Name, Reasoning: reason, Outcome: DecisionFallback}
		}
		if len(c.Unblockers) > 0 {
			return decision{Choice: c.Unblockers[0].Name, Reasoning: reason, Outcome: DecisionFallback}
		}
		return decision{Choice: state.EndSentinel, Reasoning: reason, Outcome: DecisionFallback}
	}

	m, err := e.models.For(ctx, st.LLMModel)
	if err != nil {
		return fallback(fmt.Sprintf("planner model unavailable: %v", err))
	}

	messages := []model.Message{
		{Role: model.RoleSystem, Content: plannerSystemPrompt},
		{Role: model.RoleUser, Content: buildPlannerPrompt(st, skills, c)},
	}
	out, err := model.ChatWithRetry(ctx, m, e.retry, messages, nil)
	if err != nil {
		return fallback(fmt.Sprintf("planner call failed: %v", err))
	}
	e.metrics.LLMTokens(out.Usage.InputTokens, out.Usage.OutputTokens)

	var resp plannerResponse
	if body := extractJSONObject(out.Text); body != "" {
		if err := json.Unmarshal([]byte(body), &resp); err != nil {
			return fallback(fmt.Sprintf("planner returned invalid JSON: %v", err))
		}
	} else {
		return fallback("planner returned no JSON object")
	}

	choice := strings.TrimSpace(resp.NextAgent)
	if !allowed[choice] {
		return fallback(fmt.Sprintf("planner chose %q, which is not runnable", choice))
	}
	return decision{Choice: choice, Reasoning: resp.Reasoning, Outcome: DecisionModel}
}

const plannerSystemPrompt = "You are the planner of a workflow orchestrator. " +
	"Given a standard operating procedure, the data gathered so far, and the " +
	"skills ready to run, choose the single next skill. Choose END when the " +
	"procedure is satisfied or no skill can make progress. Respond with one " +
	`JSON object: {"next_agent": "<skill name or END>", "reasoning": "<why>"}.`

// buildPlannerPrompt renders the planner's user turn: the SOP, the data
// keys, the progress so far, every capability, and the ready-to-run and
// unblocker lists the guardrail enforces.
func buildPlannerPrompt(st *state.RunState, skills []*skill.Skill, c candidates) string {
	var b strings.Builder
	b.WriteString("Standard operating procedure:\n")
	b.WriteString(st.LaymanSOP)
	b.WriteString("\n\nData keys present: ")
	if len(c.CurrentKeys) == 0 {
		b.WriteString("(none)")
	} else {
		b.WriteString(strings.Join(c.CurrentKeys, ", "))
	}

	b.WriteString("\n\nProgress so far:\n")
	history := st.History
	if len(history) > 12 {
		history = history[len(history)-12:]
	}
	for _, h := range history {
		b.WriteString("- ")
		b.WriteString(h)
		b.WriteString("\n")
	}

	b.WriteString("\nCapabilities:\n")
	for _, sk := range skills {
		if !sk.IsEnabled() {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s (requires: %s; produces: %s)\n",
			sk.Name, sk.Description,
			strings.Join(sk.Requires, ", "), strings.Join(sk.Produces, ", "))
	}

	b.WriteString("\nReady to run now: ")
	b.WriteString(skillNames(c.Runnable))
	b.WriteString("\nUnblockers (produce keys other skills need): ")
	b.WriteString(skillNames(c.Unblockers))
	b.WriteString("\n\nChoose one of the ready skills, or END.")
	return b.String()
}

func skillNames(skills []*skill.Skill) string {
	if len(skills) == 0 {
		return "(none)"
	}
	names := make([]string, len(skills))
	for i, sk := range skills {
		names[i] = sk.Name
	}
	return strings.Join(names, ", ")
}

// extractJSONObject returns the outermost JSON object embedded in text,
// tolerating markdown fences.
func extractJSONObject(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// emitPlannerDecision records the decision on the UI channel and
// returns the event id executor events parent under.
func (e *Engine) emitPlannerDecision(ctx context.Context, st *state.RunState, d decision) string {
	if !st.Broadcast {
		return ""
	}
	return e.bus.UI(ctx, event.UIEvent{
		ThreadID: st.ThreadID,
		Phase:    event.PhasePlannerDecision,
		Skill:    d.Choice,
		Detail: map[string]any{
			"reasoning": d.Reasoning,
			"outcome":   d.Outcome,
		},
	})
}
