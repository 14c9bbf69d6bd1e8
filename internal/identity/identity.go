// Package identity derives and generates the coordinator's opaque entity
// identifiers: deterministic runner ids and random session/run ids.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

const (
	runnerPrefix  = "lnch_"
	sessionPrefix = "ses_"
	runPrefix     = "run_"

	runnerIDHexLen = 12
)

// DeriveRunnerID computes the deterministic runner_id for a
// (hostname, project_dir, executor_type) identity tuple. The same tuple
// always yields the same id, so re-registration upserts rather than
// duplicating a runner record.
func DeriveRunnerID(hostname, projectDir, executorType string) string {
	h := sha256.Sum256([]byte(hostname + ":" + projectDir + ":" + executorType))
	return runnerPrefix + hex.EncodeToString(h[:])[:runnerIDHexLen]
}

// NewSessionID generates a fresh, coordinator-assigned session identifier.
func NewSessionID() string {
	return sessionPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewRunID generates a fresh run identifier.
func NewRunID() string {
	return runPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsRunnerID reports whether s has the shape of a derived runner id.
func IsRunnerID(s string) bool {
	return strings.HasPrefix(s, runnerPrefix) && len(s) > len(runnerPrefix)
}

// IsSessionID reports whether s has the shape of a session id.
func IsSessionID(s string) bool {
	return strings.HasPrefix(s, sessionPrefix) && len(s) > len(sessionPrefix)
}

// IsRunID reports whether s has the shape of a run id.
func IsRunID(s string) bool {
	return strings.HasPrefix(s, runPrefix) && len(s) > len(runPrefix)
}
