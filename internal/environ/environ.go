// Package environ computes the environment block handed to child processes.
//
// The ambient process environment is only ever read. PATH overrides and
// caller overrides are layered onto a snapshot and passed to the child
// explicitly, so concurrent spawns never race on global state.
package environ

import (
	"os"
	"runtime"
	"sort"
	"strings"
)

// PathKey is the name of the executable search path variable.
const PathKey = "PATH"

// Map is a child process environment keyed by variable name.
type Map map[string]string

// Snapshot returns a copy of the ambient process environment.
func Snapshot() Map {
	return FromEnviron(os.Environ(), runtime.GOOS)
}

// FromEnviron parses KEY=VALUE pairs. On Windows keys are upper-cased since
// the platform treats variable names case-insensitively.
func FromEnviron(pairs []string, goos string) Map {
	m := make(Map, len(pairs))
	for _, kv := range pairs {
		// Windows carries pseudo variables such as "=C:=C:\" which start with '='.
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		m[normalizeKey(key, goos)] = value
	}
	return m
}

// Clone returns a shallow copy of m.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Lookup returns the value of key and whether it is set.
func (m Map) Lookup(key string) (string, bool) {
	v, ok := m[normalizeKey(key, runtime.GOOS)]
	return v, ok
}

// Environ returns the map as sorted KEY=VALUE pairs, the form expected by
// os/exec.Cmd.Env.
func (m Map) Environ() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// Builder layers caller overrides onto a base environment.
type Builder struct {
	// Base is the environment snapshot the child starts from.
	Base Map
	// GOOS selects platform expansion and key rules.
	GOOS string
}

// NewBuilder returns a Builder seeded with the ambient environment.
func NewBuilder() *Builder {
	return &Builder{Base: Snapshot(), GOOS: runtime.GOOS}
}

// Build produces the child environment.
//
// pathOverride, when non-empty, replaces PATH after expansion; callers place
// "$PATH" before or after their segment to pick precedence. Every value of the
// merged map is then expanded against the build-time environment (the base
// with the overridden PATH), never against the merged map itself, so override
// ordering cannot produce self-referential results. Undefined references stay
// literal.
func (b *Builder) Build(overrides map[string]string, pathOverride string) Map {
	windows := b.GOOS == "windows"

	lookupEnv := b.Base.Clone()
	if pathOverride != "" {
		lookupEnv[PathKey] = Expand(pathOverride, lookupEnv.lookupFunc(b.GOOS), windows)
	}

	merged := lookupEnv.Clone()
	for k, v := range overrides {
		merged[normalizeKey(k, b.GOOS)] = v
	}

	lookup := lookupEnv.lookupFunc(b.GOOS)
	for k, v := range merged {
		merged[k] = Expand(v, lookup, windows)
	}
	return merged
}

// WithPath returns a copy of m whose PATH is pathOverride expanded against
// m. No other value is touched.
func (m Map) WithPath(pathOverride, goos string) Map {
	out := m.Clone()
	out[PathKey] = Expand(pathOverride, m.lookupFunc(goos), goos == "windows")
	return out
}

// SetLiteral stores values in m verbatim, with keys normalized for goos.
func (m Map) SetLiteral(values map[string]string, goos string) {
	for k, v := range values {
		m[normalizeKey(k, goos)] = v
	}
}

func (m Map) lookupFunc(goos string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := m[normalizeKey(name, goos)]
		return v, ok
	}
}

func normalizeKey(key, goos string) string {
	if goos == "windows" {
		return strings.ToUpper(key)
	}
	return key
}
