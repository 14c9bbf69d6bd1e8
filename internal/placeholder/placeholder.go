// Package placeholder substitutes `${source.key}` tokens embedded in
// resolved blueprint payloads. Substitution happens once, at run
// creation; `${runner.*}` tokens are the one exception, preserved
// verbatim for the runner to resolve at execution time.
package placeholder

import (
	"fmt"
	"regexp"
	"strings"
)

// preservedSource is the only source whose placeholders survive
// resolution unresolved.
const preservedSource = "runner"

var tokenPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\.([a-zA-Z0-9_.]+)\}`)

// Sources bundles the four substitutable namespaces by name.
type Sources struct {
	Params  map[string]any
	Scope   map[string]any
	Env     map[string]any
	Runtime map[string]any
}

func (s Sources) lookup(source, key string) (string, bool) {
	var ns map[string]any
	switch source {
	case "params":
		ns = s.Params
	case "scope":
		ns = s.Scope
	case "env":
		ns = s.Env
	case "runtime":
		ns = s.Runtime
	default:
		return "", false
	}
	val, ok := walk(ns, strings.Split(key, "."))
	if !ok {
		return "", false
	}
	return stringify(val), true
}

func walk(m map[string]any, path []string) (any, bool) {
	if m == nil || len(path) == 0 {
		return nil, false
	}
	val, ok := m[path[0]]
	if !ok {
		return nil, false
	}
	if len(path) == 1 {
		return val, true
	}
	next, ok := val.(map[string]any)
	if !ok {
		return nil, false
	}
	return walk(next, path[1:])
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

// MissingError names a placeholder that resolved to nothing, a hard
// failure at run creation: the run is never enqueued.
type MissingError struct {
	Token string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("unresolved placeholder %q", e.Token)
}

// ResolveString substitutes every `${source.key}` token in s, leaving
// `${runner.*}` tokens untouched. Returns a MissingError for any other
// token whose source/key does not resolve.
func ResolveString(s string, sources Sources) (string, error) {
	var firstErr error
	out := tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		if firstErr != nil {
			return token
		}
		m := tokenPattern.FindStringSubmatch(token)
		source, key := m[1], m[2]
		if source == preservedSource {
			return token
		}
		val, ok := sources.lookup(source, key)
		if !ok {
			firstErr = &MissingError{Token: token}
			return token
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// ResolveValue recursively resolves placeholders through strings, maps,
// and slices, leaving other JSON-decoded types untouched.
func ResolveValue(v any, sources Sources) (any, error) {
	switch t := v.(type) {
	case string:
		return ResolveString(t, sources)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			resolved, err := ResolveValue(val, sources)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			resolved, err := ResolveValue(val, sources)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// HasUnresolved reports whether s still contains an unresolved
// `${params.*}`, `${scope.*}`, `${env.*}`, or `${runtime.*}` token. Used
// by tests asserting placeholder completeness; `${runner.*}` is exempt.
func HasUnresolved(s string) bool {
	for _, m := range tokenPattern.FindAllStringSubmatch(s, -1) {
		if m[1] != preservedSource {
			return true
		}
	}
	return false
}
