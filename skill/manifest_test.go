package skill

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleManifest = `---
name: order_lookup
description: Look up an order by id
requires:
  - order_id
produces:
  - order
optional_produces:
  - order.notes
executor: llm
hitl_enabled: true
llm_model: gpt-4o-mini
---

You are an order specialist. Resolve the order referenced by the input.
`

// TestParseManifest verifies front-matter decoding and the body-as-
// system-prompt default.
func TestParseManifest(t *testing.T) {
	sk, err := ParseManifest([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}
	if sk.Name != "order_lookup" {
		t.Errorf("expected name order_lookup, got %q", sk.Name)
	}
	if len(sk.Requires) != 1 || sk.Requires[0] != "order_id" {
		t.Errorf("unexpected requires: %v", sk.Requires)
	}
	if len(sk.Produces) != 1 || sk.Produces[0] != "order" {
		t.Errorf("unexpected produces: %v", sk.Produces)
	}
	if !sk.HITLEnabled {
		t.Error("expected hitl_enabled true")
	}
	if sk.SystemPrompt != "You are an order specialist. Resolve the order referenced by the input." {
		t.Errorf("expected body as system prompt, got %q", sk.SystemPrompt)
	}
}

// TestParseManifest_ExplicitSystemPromptWins verifies the front-matter
// key overrides the Markdown body.
func TestParseManifest_ExplicitSystemPromptWins(t *testing.T) {
	manifest := "---\nname: x\ndescription: d\nrequires: [a]\nproduces: [b]\nsystem_prompt: explicit\n---\nbody text\n"
	sk, err := ParseManifest([]byte(manifest))
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}
	if sk.SystemPrompt != "explicit" {
		t.Errorf("expected explicit system prompt, got %q", sk.SystemPrompt)
	}
}

// TestParseManifest_Malformed verifies missing or unclosed front matter
// is rejected.
func TestParseManifest_Malformed(t *testing.T) {
	if _, err := ParseManifest([]byte("name: x\n")); err == nil {
		t.Error("expected error for missing front matter opener")
	}
	if _, err := ParseManifest([]byte("---\nname: x\n")); err == nil {
		t.Error("expected error for unclosed front matter")
	}
}

// TestParseManifest_OutputForms verifies step output accepts both a
// string and a list.
func TestParseManifest_OutputForms(t *testing.T) {
	manifest := `---
name: enrich
description: d
requires: [id]
produces: [result]
executor: action
action:
  type: data_pipeline
  steps:
    - kind: query
      source: postgres
      query: SELECT * FROM t WHERE id = {id}
      output: rows
    - kind: transform
      function: split
      inputs: [rows]
      output: [first, second]
---
`
	sk, err := ParseManifest([]byte(manifest))
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}
	steps := sk.Action.Steps
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if len(steps[0].Output.Keys) != 1 || steps[0].Output.Keys[0] != "rows" {
		t.Errorf("unexpected scalar output: %v", steps[0].Output.Keys)
	}
	if len(steps[1].Output.Keys) != 2 || steps[1].Output.Keys[1] != "second" {
		t.Errorf("unexpected list output: %v", steps[1].Output.Keys)
	}
}

func writeSkillDir(t *testing.T, root, name string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for file, content := range files {
		if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// TestLoadDir verifies sibling files override and attach correctly.
func TestLoadDir(t *testing.T) {
	root := t.TempDir()
	dir := writeSkillDir(t, root, "order_lookup", map[string]string{
		ManifestFile: sampleManifest,
		PromptFile:   "Find the order now.",
	})

	sk, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if sk.Prompt != "Find the order now." {
		t.Errorf("expected prompt.md to win, got %q", sk.Prompt)
	}
	if sk.ModuleName != "fs.order_lookup" {
		t.Errorf("expected fs module name, got %q", sk.ModuleName)
	}
	if sk.Source != SourceFS {
		t.Errorf("expected fs source, got %q", sk.Source)
	}
	if sk.WorkspaceID != "" {
		t.Errorf("filesystem skills must have no workspace, got %q", sk.WorkspaceID)
	}
}

// TestLoadDir_ActionCode verifies action.star attaches to the action
// config.
func TestLoadDir_ActionCode(t *testing.T) {
	root := t.TempDir()
	manifest := "---\nname: adder\ndescription: d\nrequires: [x, y]\nproduces: [total]\nexecutor: action\naction:\n  type: python_function\n  function: add\n---\n"
	dir := writeSkillDir(t, root, "adder", map[string]string{
		ManifestFile: manifest,
		ActionFile:   "def add(x, y):\n    return {\"total\": x + y}\n",
	})

	sk, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if sk.Action == nil || sk.Action.Code == "" {
		t.Fatal("expected action code to be attached")
	}
}

// TestLoadSkillsDir verifies malformed skills are skipped, not fatal.
func TestLoadSkillsDir(t *testing.T) {
	root := t.TempDir()
	writeSkillDir(t, root, "good", map[string]string{ManifestFile: sampleManifest})
	writeSkillDir(t, root, "bad", map[string]string{ManifestFile: "no front matter"})
	writeSkillDir(t, root, "empty_dir", map[string]string{})

	var skipped []string
	skills, err := LoadSkillsDir(root, func(dir string, err error) {
		skipped = append(skipped, filepath.Base(dir))
	})
	if err != nil {
		t.Fatalf("LoadSkillsDir failed: %v", err)
	}
	if len(skills) != 1 || skills[0].Name != "order_lookup" {
		t.Fatalf("expected only the good skill, got %d skills", len(skills))
	}
	if len(skipped) != 1 || skipped[0] != "bad" {
		t.Errorf("expected bad skill to be reported, got %v", skipped)
	}
}

// TestLoadSkillsDir_MissingRoot verifies a missing directory loads zero
// skills without error.
func TestLoadSkillsDir_MissingRoot(t *testing.T) {
	skills, err := LoadSkillsDir(filepath.Join(t.TempDir(), "nope"), nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(skills) != 0 {
		t.Errorf("expected no skills, got %d", len(skills))
	}
}
