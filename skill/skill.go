// Package skill defines the skill model and the registry that loads,
// merges, and serves skill definitions from the filesystem and the
// persistent store.
//
// A skill is the orchestrator's unit of work: a named capability with
// declared required input keys, produced output keys, and one of three
// executor kinds (llm, rest, action). Action skills further split into
// inline functions, data queries, and multi-step pipelines.
package skill

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Executor kinds.
const (
	ExecutorLLM    = "llm"
	ExecutorREST   = "rest"
	ExecutorAction = "action"
)

// Action config types.
const (
	ActionFunction = "python_function"
	ActionQuery    = "data_query"
	ActionPipeline = "data_pipeline"
)

// Skill sources.
const (
	SourceFS      = "fs"
	SourceDynamic = "dynamic"
)

// Skill is a declarative unit of work.
//
// Requires and Produces are sets of dot-notation paths into the run's
// data store. Produces and OptionalProduces must not overlap. Executor
// selects how the skill runs; the matching config block must be set.
type Skill struct {
	ID               string            `yaml:"-" json:"id,omitempty"`
	Name             string            `yaml:"name" json:"name"`
	Description      string            `yaml:"description" json:"description"`
	Requires         []string          `yaml:"requires" json:"requires"`
	Produces         []string          `yaml:"produces" json:"produces"`
	OptionalProduces []string          `yaml:"optional_produces,omitempty" json:"optional_produces,omitempty"`
	Executor         string            `yaml:"executor,omitempty" json:"executor,omitempty"`
	HITLEnabled      bool              `yaml:"hitl_enabled,omitempty" json:"hitl_enabled,omitempty"`
	Enabled          *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Prompt           string            `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	SystemPrompt     string            `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	LLMModel         string            `yaml:"llm_model,omitempty" json:"llm_model,omitempty"`
	REST             *RESTConfig       `yaml:"rest,omitempty" json:"rest,omitempty"`
	Action           *ActionConfig     `yaml:"action,omitempty" json:"action,omitempty"`
	WorkspaceID      string            `yaml:"-" json:"workspace_id,omitempty"`
	WorkspaceCode    string            `yaml:"-" json:"workspace_code,omitempty"`
	OwnerID          string            `yaml:"-" json:"owner_id,omitempty"`
	IsPublic         bool              `yaml:"is_public,omitempty" json:"is_public,omitempty"`
	ModuleName       string            `yaml:"-" json:"module_name,omitempty"`
	Source           string            `yaml:"-" json:"source,omitempty"`
	CompileError     string            `yaml:"-" json:"compile_error,omitempty"`
	Metadata         map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt        time.Time         `yaml:"-" json:"created_at,omitempty"`
	UpdatedAt        time.Time         `yaml:"-" json:"updated_at,omitempty"`
}

// RESTConfig configures the two-phase REST executor.
type RESTConfig struct {
	URL            string            `yaml:"url" json:"url"`
	Method         string            `yaml:"method,omitempty" json:"method,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	TimeoutSeconds int               `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// ActionConfig configures the action executor variants. Type selects the
// variant; only the fields belonging to that variant are read.
type ActionConfig struct {
	Type string `yaml:"type" json:"type"`

	// python_function
	Module   string `yaml:"module,omitempty" json:"module,omitempty"`
	Function string `yaml:"function,omitempty" json:"function,omitempty"`
	Code     string `yaml:"code,omitempty" json:"code,omitempty"`

	// data_query
	Source        string         `yaml:"source,omitempty" json:"source,omitempty"`
	Query         string         `yaml:"query,omitempty" json:"query,omitempty"`
	Collection    string         `yaml:"collection,omitempty" json:"collection,omitempty"`
	Filter        map[string]any `yaml:"filter,omitempty" json:"filter,omitempty"`
	CredentialRef string         `yaml:"credential_ref,omitempty" json:"credential_ref,omitempty"`
	DBConfigFile  string         `yaml:"db_config_file,omitempty" json:"db_config_file,omitempty"`

	// data_pipeline
	Steps      []PipelineStep `yaml:"steps,omitempty" json:"steps,omitempty"`
	Transforms string         `yaml:"transforms,omitempty" json:"transforms,omitempty"`
}

// PipelineStep is one step of a data_pipeline action. Kind selects the
// behavior; RunIf/SkipIf gate any step kind.
type PipelineStep struct {
	ID   string `yaml:"id,omitempty" json:"id,omitempty"`
	Kind string `yaml:"kind" json:"kind"`

	// query
	Source        string         `yaml:"source,omitempty" json:"source,omitempty"`
	Query         string         `yaml:"query,omitempty" json:"query,omitempty"`
	Collection    string         `yaml:"collection,omitempty" json:"collection,omitempty"`
	Filter        map[string]any `yaml:"filter,omitempty" json:"filter,omitempty"`
	CredentialRef string         `yaml:"credential_ref,omitempty" json:"credential_ref,omitempty"`

	// transform
	Function string `yaml:"function,omitempty" json:"function,omitempty"`

	// transform / merge / skill input keys
	Inputs []string `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// skill
	Skill string `yaml:"skill,omitempty" json:"skill,omitempty"`

	// parallel
	Steps []PipelineStep `yaml:"steps,omitempty" json:"steps,omitempty"`

	Output StepOutput `yaml:"output,omitempty" json:"output,omitempty"`

	RunIf  *Condition `yaml:"run_if,omitempty" json:"run_if,omitempty"`
	SkipIf *Condition `yaml:"skip_if,omitempty" json:"skip_if,omitempty"`
}

// Step kinds.
const (
	StepQuery     = "query"
	StepTransform = "transform"
	StepMerge     = "merge"
	StepSkill     = "skill"
	StepParallel  = "parallel"
)

// Condition is a predicate over the pipeline context, evaluated with the
// operators in the exec package.
type Condition struct {
	Field    string `yaml:"field" json:"field"`
	Operator string `yaml:"operator" json:"operator"`
	Value    any    `yaml:"value,omitempty" json:"value,omitempty"`
}

// StepOutput names where a step's result lands in the pipeline context.
// In YAML and JSON it accepts either a bare string or a list of strings.
type StepOutput struct {
	Keys []string
}

// UnmarshalYAML accepts "key" or ["k1", "k2"].
func (o *StepOutput) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		o.Keys = []string{s}
		return nil
	case yaml.SequenceNode:
		var keys []string
		if err := value.Decode(&keys); err != nil {
			return err
		}
		o.Keys = keys
		return nil
	default:
		return fmt.Errorf("output must be a string or a list of strings")
	}
}

// MarshalYAML renders a single key as a bare string.
func (o StepOutput) MarshalYAML() (any, error) {
	if len(o.Keys) == 1 {
		return o.Keys[0], nil
	}
	return o.Keys, nil
}

// UnmarshalJSON accepts "key" or ["k1", "k2"].
func (o *StepOutput) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		o.Keys = []string{s}
		return nil
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("output must be a string or a list of strings")
	}
	o.Keys = keys
	return nil
}

// MarshalJSON renders a single key as a bare string.
func (o StepOutput) MarshalJSON() ([]byte, error) {
	if len(o.Keys) == 1 {
		return json.Marshal(o.Keys[0])
	}
	return json.Marshal(o.Keys)
}

// IsEnabled reports the effective enabled flag (default true).
func (s *Skill) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// IsFilesystem reports whether the skill was loaded from disk.
func (s *Skill) IsFilesystem() bool { return s.Source == SourceFS }

// EffectiveExecutor returns the executor kind, defaulting to llm.
func (s *Skill) EffectiveExecutor() string {
	if s.Executor == "" {
		return ExecutorLLM
	}
	return s.Executor
}

// AllProduces returns produces followed by optional_produces.
func (s *Skill) AllProduces() []string {
	out := make([]string, 0, len(s.Produces)+len(s.OptionalProduces))
	out = append(out, s.Produces...)
	out = append(out, s.OptionalProduces...)
	return out
}

// Validate checks structural invariants. It is called on save and after
// loading a manifest; a filesystem skill that fails validation is logged
// and skipped.
func (s *Skill) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("skill name is required")
	}
	if len(s.Produces) == 0 {
		return fmt.Errorf("skill %q declares no produces keys", s.Name)
	}
	optional := make(map[string]bool, len(s.OptionalProduces))
	for _, k := range s.OptionalProduces {
		optional[k] = true
	}
	for _, k := range s.Produces {
		if optional[k] {
			return fmt.Errorf("skill %q lists %q in both produces and optional_produces", s.Name, k)
		}
	}
	switch s.EffectiveExecutor() {
	case ExecutorLLM:
		// Prompt may be empty; the executor falls back to the SOP.
	case ExecutorREST:
		if s.REST == nil || s.REST.URL == "" {
			return fmt.Errorf("skill %q: rest executor requires a rest block with a url", s.Name)
		}
	case ExecutorAction:
		if s.Action == nil {
			return fmt.Errorf("skill %q: action executor requires an action block", s.Name)
		}
		if err := s.Action.validate(s.Name); err != nil {
			return err
		}
	default:
		return fmt.Errorf("skill %q: unknown executor %q", s.Name, s.Executor)
	}
	return nil
}

func (a *ActionConfig) validate(skillName string) error {
	switch a.Type {
	case ActionFunction:
		if a.Function == "" {
			return fmt.Errorf("skill %q: python_function action requires a function name", skillName)
		}
	case ActionQuery:
		if a.Source == "" {
			return fmt.Errorf("skill %q: data_query action requires a source", skillName)
		}
		if a.Query == "" && a.Collection == "" {
			return fmt.Errorf("skill %q: data_query action requires a query or a collection", skillName)
		}
	case ActionPipeline:
		if len(a.Steps) == 0 {
			return fmt.Errorf("skill %q: data_pipeline action requires at least one step", skillName)
		}
		for i := range a.Steps {
			if err := a.Steps[i].validate(skillName, i); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("skill %q: unknown action type %q", skillName, a.Type)
	}
	return nil
}

func (p *PipelineStep) validate(skillName string, idx int) error {
	switch p.Kind {
	case StepQuery:
		if p.Query == "" && p.Collection == "" {
			return fmt.Errorf("skill %q step %d: query step requires a query or a collection", skillName, idx)
		}
	case StepTransform:
		if p.Function == "" {
			return fmt.Errorf("skill %q step %d: transform step requires a function", skillName, idx)
		}
	case StepMerge:
		if len(p.Inputs) < 2 {
			return fmt.Errorf("skill %q step %d: merge step requires at least two inputs", skillName, idx)
		}
	case StepSkill:
		if p.Skill == "" {
			return fmt.Errorf("skill %q step %d: skill step requires a skill name", skillName, idx)
		}
	case StepParallel:
		if len(p.Steps) == 0 {
			return fmt.Errorf("skill %q step %d: parallel step requires sub-steps", skillName, idx)
		}
		for i := range p.Steps {
			if p.Steps[i].Kind == StepParallel {
				return fmt.Errorf("skill %q step %d: parallel steps cannot nest", skillName, idx)
			}
			if err := p.Steps[i].validate(skillName, i); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("skill %q step %d: unknown step kind %q", skillName, idx, p.Kind)
	}
	if p.Kind != StepParallel && len(p.Output.Keys) == 0 {
		return fmt.Errorf("skill %q step %d: step declares no output", skillName, idx)
	}
	return nil
}

// Clone returns a deep copy via JSON round-trip. Registry snapshots hand
// out clones so callers cannot mutate the shared map.
func (s *Skill) Clone() *Skill {
	data, err := json.Marshal(s)
	if err != nil {
		return s
	}
	var out Skill
	if err := json.Unmarshal(data, &out); err != nil {
		return s
	}
	return &out
}
