package skill

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Filenames recognized inside a filesystem skill directory.
const (
	ManifestFile   = "skill.md"
	PromptFile     = "prompt.md"
	ActionFile     = "action.star"
	TransformsFile = "transforms.star"
)

const frontMatterDelim = "---"

// ParseManifest parses a skill manifest: a YAML front-matter header
// delimited by "---" lines, followed by an optional Markdown body. The
// body, when present, becomes the default system prompt.
func ParseManifest(data []byte) (*Skill, error) {
	front, body, err := splitFrontMatter(data)
	if err != nil {
		return nil, err
	}
	var s Skill
	if err := yaml.Unmarshal(front, &s); err != nil {
		return nil, fmt.Errorf("parse manifest front matter: %w", err)
	}
	if s.SystemPrompt == "" {
		s.SystemPrompt = strings.TrimSpace(body)
	}
	return &s, nil
}

// splitFrontMatter splits data into the YAML header and the Markdown
// body. The header must open with a "---" line and close with another.
func splitFrontMatter(data []byte) (front []byte, body string, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != frontMatterDelim {
		return nil, "", fmt.Errorf("manifest must begin with a %q front-matter line", frontMatterDelim)
	}

	var frontLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontMatterDelim {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, "", fmt.Errorf("manifest front matter is not closed with %q", frontMatterDelim)
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, "", fmt.Errorf("read manifest: %w", err)
	}
	return []byte(strings.Join(frontLines, "\n")), strings.Join(bodyLines, "\n"), nil
}

// LoadDir loads one filesystem skill from a directory containing a
// skill.md manifest and optional prompt.md, action.star, and
// transforms.star siblings. The returned skill has its module name and
// source set but has not been compiled or validated.
func LoadDir(dir string) (*Skill, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ManifestFile, err)
	}
	s, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}

	if prompt, err := os.ReadFile(filepath.Join(dir, PromptFile)); err == nil {
		s.Prompt = strings.TrimSpace(string(prompt))
	}
	if code, err := os.ReadFile(filepath.Join(dir, ActionFile)); err == nil {
		if s.Action == nil {
			s.Action = &ActionConfig{Type: ActionFunction}
		}
		s.Action.Code = string(code)
	}
	if transforms, err := os.ReadFile(filepath.Join(dir, TransformsFile)); err == nil {
		if s.Action == nil {
			s.Action = &ActionConfig{Type: ActionPipeline}
		}
		s.Action.Transforms = string(transforms)
	}

	s.Source = SourceFS
	s.ModuleName = FSModuleName(s.Name)
	s.WorkspaceID = ""
	return s, nil
}

// LoadSkillsDir loads every skill directory under root. Malformed skills
// are reported through onError and skipped; loading continues.
func LoadSkillsDir(root string, onError func(dir string, err error)) ([]*Skill, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var skills []*Skill
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err != nil {
			continue
		}
		s, err := LoadDir(dir)
		if err == nil {
			err = s.Validate()
		}
		if err != nil {
			if onError != nil {
				onError(dir, err)
			}
			continue
		}
		skills = append(skills, s)
	}
	return skills, nil
}
