package demand

import (
	"reflect"
	"testing"

	v1 "github.com/kandev/agentcoord/pkg/api/v1"
)

func TestSatisfiesExactMatchFields(t *testing.T) {
	runner := RunnerView{Hostname: "a", ProjectDir: "/x", ExecutorType: "claude-code"}

	if !Satisfies(runner, v1.Demands{}) {
		t.Fatalf("empty demands should match any runner")
	}
	if !Satisfies(runner, v1.Demands{Hostname: "a"}) {
		t.Fatalf("matching hostname should satisfy")
	}
	if Satisfies(runner, v1.Demands{Hostname: "b"}) {
		t.Fatalf("mismatched hostname should not satisfy")
	}
}

func TestSatisfiesTagSubset(t *testing.T) {
	runner := RunnerView{Tags: []string{"python", "gpu"}}

	if !Satisfies(runner, v1.Demands{Tags: []string{"gpu"}}) {
		t.Fatalf("subset of tags should satisfy")
	}
	if Satisfies(runner, v1.Demands{Tags: []string{"gpu", "rust"}}) {
		t.Fatalf("missing tag should not satisfy")
	}
}

func TestMergeBlueprintWins(t *testing.T) {
	blueprint := v1.Demands{Hostname: "a", Tags: []string{"python"}}
	additional := v1.Demands{Hostname: "b", ProjectDir: "/y", Tags: []string{"gpu"}}

	merged := Merge(blueprint, additional)

	if merged.Hostname != "a" {
		t.Fatalf("blueprint hostname must win, got %q", merged.Hostname)
	}
	if merged.ProjectDir != "/y" {
		t.Fatalf("request may add project_dir when blueprint leaves it unset, got %q", merged.ProjectDir)
	}
	want := []string{"python", "gpu"}
	if !reflect.DeepEqual(merged.Tags, want) {
		t.Fatalf("expected unioned tags %v, got %v", want, merged.Tags)
	}
}
