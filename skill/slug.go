package skill

import "strings"

// Slug converts a display name into the identifier segment used in
// module names: lowercase, alphanumerics preserved, every other run of
// characters collapsed to a single underscore.
func Slug(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		default:
			pendingSep = true
		}
	}
	return b.String()
}

// DynamicModuleName derives the registry key for a persistent-store
// skill: "{workspace_code}.{slug(name)}". Workspace codes isolate skill
// modules between tenants.
func DynamicModuleName(workspaceCode, name string) string {
	return workspaceCode + "." + Slug(name)
}

// FSModuleName derives the synthetic registry key for a filesystem
// skill: "fs.{name}". Filesystem keys never collide with workspace keys
// because no workspace code is "fs".
func FSModuleName(name string) string {
	return "fs." + name
}
