package vm

import "github.com/rhythmrun/engine/internal/lang/value"

// EnvEntry is one name binding in the VM's flat, scope-truncated environment.
type EnvEntry struct {
	Name  string       `json:"name"`
	Value value.Value  `json:"value"`
}

// Env is a flat, append-only (until truncated on scope exit) binding stack.
// Lookups walk backward so inner declarations shadow outer ones; frame exit
// truncates back to the frame's ScopeBase, dropping everything it introduced.
type Env []EnvEntry

// Lookup finds the most recently bound value for name, if any.
func (e Env) Lookup(name string) (value.Value, bool) {
	for i := len(e) - 1; i >= 0; i-- {
		if e[i].Name == name {
			return e[i].Value, true
		}
	}
	return value.Null, false
}

// Assign rewrites the nearest binding for name in place. Reports whether the
// name was found.
func (e Env) Assign(name string, v value.Value) bool {
	for i := len(e) - 1; i >= 0; i-- {
		if e[i].Name == name {
			e[i].Value = v
			return true
		}
	}
	return false
}
