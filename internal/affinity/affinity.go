// Package affinity compares a session's bound execution location against
// a runner's identity tuple, used to route resume runs back to the
// runner that handled the session's prior execution.
package affinity

import v1 "github.com/kandev/agentcoord/pkg/api/v1"

// AsDemands turns a bound affinity tuple into hard demands for a resume
// run. The tuple must already be bound; callers should check Bound()
// before calling this for a resume_session run.
func AsDemands(a v1.Affinity) v1.Demands {
	return v1.Demands{
		Hostname:     a.Hostname,
		ProjectDir:   a.ProjectDir,
		ExecutorType: a.ExecutorType,
	}
}

// Matches reports whether a runner's identity tuple equals the bound
// affinity exactly, the soundness property a claimed resume run must
// satisfy.
func Matches(a v1.Affinity, hostname, projectDir, executorType string) bool {
	return a.Hostname == hostname && a.ProjectDir == projectDir && a.ExecutorType == executorType
}
