package placeholder

import "testing"

func TestResolveStringSubstitutesAllSources(t *testing.T) {
	sources := Sources{
		Params:  map[string]any{"prompt": "hello"},
		Scope:   map[string]any{"ticket": "T-1"},
		Env:     map[string]any{"HOME": "/root"},
		Runtime: map[string]any{"session_id": "ses_1"},
	}

	got, err := ResolveString("${params.prompt} ${scope.ticket} ${env.HOME} ${runtime.session_id}", sources)
	if err != nil {
		t.Fatal(err)
	}
	want := "hello T-1 /root ses_1"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestResolveStringPreservesRunnerTokens(t *testing.T) {
	got, err := ResolveString("${runner.orchestrator_mcp_url}", Sources{})
	if err != nil {
		t.Fatal(err)
	}
	if got != "${runner.orchestrator_mcp_url}" {
		t.Fatalf("expected runner placeholder preserved verbatim, got %q", got)
	}
}

func TestResolveStringMissingValueFails(t *testing.T) {
	_, err := ResolveString("${params.missing}", Sources{Params: map[string]any{}})
	if err == nil {
		t.Fatalf("expected missing placeholder to fail resolution")
	}
}

func TestResolveValueWalksNestedStructures(t *testing.T) {
	sources := Sources{Params: map[string]any{"prompt": "hi"}}
	in := map[string]any{
		"a": "${params.prompt}",
		"b": []any{"${params.prompt}", "literal"},
	}
	out, err := ResolveValue(in, sources)
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]any)
	if m["a"] != "hi" {
		t.Fatalf("expected nested string resolved, got %v", m["a"])
	}
	list := m["b"].([]any)
	if list[0] != "hi" || list[1] != "literal" {
		t.Fatalf("unexpected resolved list %v", list)
	}
}

func TestHasUnresolvedIgnoresRunnerTokens(t *testing.T) {
	if HasUnresolved("${runner.orchestrator_mcp_url}") {
		t.Fatalf("runner placeholder should not count as unresolved")
	}
	if !HasUnresolved("${params.prompt}") {
		t.Fatalf("expected params placeholder to count as unresolved")
	}
}
