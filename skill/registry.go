package skill

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry is the merged, in-memory catalog of skills. Filesystem
// skills load under synthetic "fs.{name}" keys, persistent skills under
// "{workspace_code}.{slug}" keys, so the two sources never collide.
// Reads take a snapshot under RLock; Reload publishes a fresh map.
type Registry struct {
	dir    string
	store  *Store
	logger *slog.Logger

	mu      sync.RWMutex
	skills  map[string]*Skill
	actions *Actions
}

// NewRegistry creates an empty registry. dir is the filesystem skills
// root (may be empty); store persists dynamic skills (may be nil for a
// filesystem-only deployment).
func NewRegistry(dir string, store *Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:     dir,
		store:   store,
		logger:  logger,
		skills:  make(map[string]*Skill),
		actions: NewActions(logger),
	}
}

// Reload atomically rebuilds the catalog from both sources. A malformed
// skill is logged and skipped; a compile failure in inline code degrades
// that one skill but keeps it visible so it can be edited.
func (r *Registry) Reload(ctx context.Context) error {
	merged := make(map[string]*Skill)
	actions := NewActions(r.logger)

	if r.dir != "" {
		fsSkills, err := LoadSkillsDir(r.dir, func(dir string, err error) {
			r.logger.Warn("skipping malformed skill", "dir", dir, "error", err)
		})
		if err != nil {
			return err
		}
		for _, sk := range fsSkills {
			r.compileInline(actions, sk)
			merged[sk.ModuleName] = sk
		}
	}

	if r.store != nil {
		dynamic, err := r.store.List(ctx)
		if err != nil {
			return fmt.Errorf("load dynamic skills: %w", err)
		}
		for _, sk := range dynamic {
			if err := sk.Validate(); err != nil {
				r.logger.Warn("skipping malformed skill", "skill", sk.Name, "error", err)
				continue
			}
			if _, exists := merged[sk.ModuleName]; exists {
				r.logger.Warn("duplicate module name, keeping latest", "module", sk.ModuleName)
			}
			r.compileInline(actions, sk)
			merged[sk.ModuleName] = sk
		}
	}

	r.mu.Lock()
	r.skills = merged
	r.actions = actions
	r.mu.Unlock()

	r.logger.Info("skill registry loaded", "skills", len(merged), "actions", len(actions.Keys()))
	return nil
}

// compileInline registers the skill's inline code and transform helpers,
// degrading the skill on failure instead of dropping it.
func (r *Registry) compileInline(actions *Actions, sk *Skill) {
	sk.CompileError = ""
	if sk.Action == nil {
		return
	}
	switch sk.Action.Type {
	case ActionFunction:
		if sk.Action.Code == "" {
			return
		}
		module := sk.Action.Module
		if module == "" {
			module = sk.ModuleName
			sk.Action.Module = module
		}
		if err := actions.RegisterFunction(module, sk.Action.Function, sk.Action.Code); err != nil {
			sk.CompileError = err.Error()
			r.logger.Warn("skill code failed to compile", "skill", sk.Name, "error", err)
		}
	case ActionPipeline:
		if sk.Action.Transforms == "" {
			return
		}
		if err := actions.RegisterHelpers(sk.ModuleName, sk.Action.Transforms); err != nil {
			sk.CompileError = err.Error()
			r.logger.Warn("skill transforms failed to compile", "skill", sk.Name, "error", err)
		}
	}
}

// visible reports the workspace filter: the skill's own workspace, the
// null (filesystem) workspace, or public skills. An empty workspaceID
// sees everything.
func visible(sk *Skill, workspaceID string) bool {
	if workspaceID == "" {
		return true
	}
	return sk.WorkspaceID == workspaceID || sk.WorkspaceID == "" || sk.IsPublic
}

// ForWorkspace returns the skills visible to a workspace, sorted by
// name. Callers receive clones; mutations do not touch the catalog.
func (r *Registry) ForWorkspace(workspaceID string) []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Skill, 0, len(r.skills))
	for _, sk := range r.skills {
		if visible(sk, workspaceID) {
			out = append(out, sk.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get resolves a skill by display name within a workspace's visibility.
// When the same name is visible from several scopes, the workspace's own
// skill wins, then filesystem, then public.
func (r *Registry) Get(name, workspaceID string) (*Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var fsMatch, publicMatch *Skill
	for _, sk := range r.skills {
		if sk.Name != name || !visible(sk, workspaceID) {
			continue
		}
		switch {
		case sk.WorkspaceID != "" && sk.WorkspaceID == workspaceID:
			return sk.Clone(), nil
		case sk.WorkspaceID == "":
			fsMatch = sk
		default:
			publicMatch = sk
		}
	}
	if fsMatch != nil {
		return fsMatch.Clone(), nil
	}
	if publicMatch != nil {
		return publicMatch.Clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// GetByModule resolves a skill by its registry key.
func (r *Registry) GetByModule(moduleName string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sk, ok := r.skills[moduleName]
	if !ok {
		return nil, false
	}
	return sk.Clone(), true
}

// ResolveAction looks up a compiled function for the exec package.
func (r *Registry) ResolveAction(module, function string) (*Action, bool) {
	r.mu.RLock()
	actions := r.actions
	r.mu.RUnlock()
	return actions.Lookup(module, function)
}

// Count returns the number of loaded skills.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.skills)
}

// Save upserts a dynamic skill. Creation derives the module name from
// the workspace code; updates may change anything except the name.
// Inline code is compiled now so syntax errors surface immediately with
// their position, but a compile failure does not block the save: the
// skill persists degraded, carrying the diagnostic.
func (r *Registry) Save(ctx context.Context, sk *Skill) (*Skill, error) {
	if r.store == nil {
		return nil, fmt.Errorf("dynamic skills require a relational store")
	}
	if err := sk.Validate(); err != nil {
		return nil, err
	}

	if sk.ID == "" {
		if sk.WorkspaceCode == "" {
			sk.WorkspaceCode = sk.WorkspaceID
		}
		sk.ModuleName = DynamicModuleName(sk.WorkspaceCode, sk.Name)
		if err := r.store.Insert(ctx, sk); err != nil {
			return nil, err
		}
	} else {
		existing, err := r.store.GetByID(ctx, sk.ID)
		if err != nil {
			return nil, err
		}
		if existing.Name != sk.Name {
			return nil, ErrNameImmutable
		}
		sk.WorkspaceID = existing.WorkspaceID
		sk.WorkspaceCode = existing.WorkspaceCode
		sk.ModuleName = existing.ModuleName
		sk.OwnerID = existing.OwnerID
		sk.CreatedAt = existing.CreatedAt
		if err := r.store.Update(ctx, sk); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.actions.RemoveModule(sk.ModuleName)
	if sk.Action != nil && sk.Action.Module != "" && sk.Action.Module != sk.ModuleName {
		r.actions.RemoveModule(sk.Action.Module)
	}
	r.compileInline(r.actions, sk)
	r.skills[sk.ModuleName] = sk.Clone()
	r.mu.Unlock()

	return sk, nil
}

// Delete removes a dynamic skill from the store and the catalog.
// Filesystem skills are immutable at runtime and cannot be deleted.
func (r *Registry) Delete(ctx context.Context, id, workspaceID string) error {
	if r.store == nil {
		return fmt.Errorf("dynamic skills require a relational store")
	}
	existing, err := r.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if workspaceID != "" && existing.WorkspaceID != workspaceID {
		return fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	if err := r.store.Delete(ctx, id, existing.WorkspaceID); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.skills, existing.ModuleName)
	r.actions.RemoveModule(existing.ModuleName)
	r.mu.Unlock()
	return nil
}
