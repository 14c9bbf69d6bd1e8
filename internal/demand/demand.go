// Package demand implements the pure predicate deciding whether a
// registered runner satisfies a run's demands.
package demand

import v1 "github.com/kandev/agentcoord/pkg/api/v1"

// RunnerView is the subset of runner state the predicate needs. It is
// kept narrow so callers (run queue, registry) can pass their own
// internal record shapes without importing each other.
type RunnerView struct {
	Hostname     string
	ProjectDir   string
	ExecutorType string
	Tags         []string
}

// Satisfies reports whether runner meets demands: every specified identity
// field must match exactly, and demands.Tags must be a subset of the
// runner's tags. An unspecified identity field (empty string) matches
// anything.
func Satisfies(runner RunnerView, demands v1.Demands) bool {
	if demands.Hostname != "" && demands.Hostname != runner.Hostname {
		return false
	}
	if demands.ProjectDir != "" && demands.ProjectDir != runner.ProjectDir {
		return false
	}
	if demands.ExecutorType != "" && demands.ExecutorType != runner.ExecutorType {
		return false
	}
	return tagsSubset(demands.Tags, runner.Tags)
}

func tagsSubset(want, have []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// Merge additively combines a blueprint's declared demands with a
// request's additional_demands. Blueprint values win whenever non-empty;
// the request can only add constraints, never override ones the
// blueprint already set. Tags are unioned.
func Merge(blueprint, additional v1.Demands) v1.Demands {
	merged := v1.Demands{
		Hostname:     firstNonEmpty(blueprint.Hostname, additional.Hostname),
		ProjectDir:   firstNonEmpty(blueprint.ProjectDir, additional.ProjectDir),
		ExecutorType: firstNonEmpty(blueprint.ExecutorType, additional.ExecutorType),
		Tags:         unionTags(blueprint.Tags, additional.Tags),
	}
	return merged
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func unionTags(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, t := range append(append([]string{}, a...), b...) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
