package affinity

import (
	"testing"

	v1 "github.com/kandev/agentcoord/pkg/api/v1"
)

func TestAsDemandsCarriesTupleVerbatim(t *testing.T) {
	a := v1.Affinity{Hostname: "A", ProjectDir: "/x", ExecutorType: "claude-code"}
	d := AsDemands(a)
	if d.Hostname != "A" || d.ProjectDir != "/x" || d.ExecutorType != "claude-code" {
		t.Fatalf("expected demands to mirror affinity tuple, got %+v", d)
	}
}

func TestMatchesExactTupleOnly(t *testing.T) {
	a := v1.Affinity{Hostname: "A", ProjectDir: "/x", ExecutorType: "claude-code"}
	if !Matches(a, "A", "/x", "claude-code") {
		t.Fatalf("expected exact tuple to match")
	}
	if Matches(a, "B", "/x", "claude-code") {
		t.Fatalf("different hostname must not match")
	}
}
