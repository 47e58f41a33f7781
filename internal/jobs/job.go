// Package jobs runs documents through the sanitization pipeline and
// persists each job's manifest, decision and artifact.
//
// A job's persisted Decision is authoritative: the sanitized artifact is
// stored only for jobs whose decision allows release, and every read of the
// artifact re-checks the decision from storage.
package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/dativo-io/privypress/internal/manifest"
)

var (
	// ErrNotFound is returned for unknown job ids and for artifacts that were
	// never rendered.
	ErrNotFound = errors.New("job not found")
	// ErrForbidden is returned when the persisted decision denies release.
	ErrForbidden = errors.New("release denied by policy decision")
	// ErrNotReleasable is returned when a job's state does not permit the
	// requested transition.
	ErrNotReleasable = errors.New("job is not releasable")
	// ErrSignature is returned when a stored record fails integrity checks.
	ErrSignature = errors.New("job record signature mismatch")
)

// State is a job's position in the pipeline.
type State string

// Job states. Jobs are persisted once evaluated; created and detected are
// transient.
const (
	StateCreated   State = "created"
	StateDetected  State = "detected"
	StateEvaluated State = "evaluated"
	StateBlocked   State = "blocked"
	StateReleased  State = "released"
	StateFailed    State = "failed"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateDetected, StateEvaluated, StateBlocked, StateReleased, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateBlocked || s == StateReleased || s == StateFailed
}

// Job is one document's trip through the pipeline.
type Job struct {
	ID          string             `json:"job_id"`
	State       State              `json:"state"`
	Profile     string             `json:"profile"`
	Manifest    *manifest.Manifest `json:"manifest,omitempty"`
	Decision    *manifest.Decision `json:"decision,omitempty"`
	HasArtifact bool               `json:"has_artifact"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Validate checks the invariants every persisted job must hold.
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.New("job id is required")
	}
	if !j.State.Valid() {
		return fmt.Errorf("job %s: unknown state %q", j.ID, j.State)
	}
	if (j.Manifest == nil) != (j.Decision == nil) {
		return fmt.Errorf("job %s: manifest and decision must be stored together", j.ID)
	}
	switch j.State {
	case StateEvaluated, StateBlocked, StateReleased:
		if j.Decision == nil {
			return fmt.Errorf("job %s: state %s requires a decision", j.ID, j.State)
		}
	}
	if j.State == StateBlocked && j.Decision.Allow {
		return fmt.Errorf("job %s: blocked with an allowing decision", j.ID)
	}
	if j.State == StateReleased && !j.Decision.Allow {
		return fmt.Errorf("job %s: released with a denying decision", j.ID)
	}
	if j.HasArtifact != (j.State == StateReleased) {
		return fmt.Errorf("job %s: artifact present in state %s", j.ID, j.State)
	}
	return nil
}

// Releasable reports whether the job's decision allows release.
func (j *Job) Releasable() bool {
	return j.Decision != nil && j.Decision.Allow
}

// Status is the upload-facing status: ready, blocked, failed or the state.
func (j *Job) Status() string {
	switch j.State {
	case StateReleased:
		return "ready"
	case StateBlocked:
		return "blocked"
	default:
		return string(j.State)
	}
}

// Summary is the listing view of a job.
type Summary struct {
	ID          string    `json:"job_id"`
	State       State     `json:"state"`
	Profile     string    `json:"profile"`
	Allow       *bool     `json:"allow,omitempty"`
	Detections  int       `json:"detections"`
	HasArtifact bool      `json:"has_artifact"`
	CreatedAt   time.Time `json:"created_at"`
}

// Summary returns the listing view of j.
func (j *Job) Summary() Summary {
	s := Summary{
		ID:          j.ID,
		State:       j.State,
		Profile:     j.Profile,
		HasArtifact: j.HasArtifact,
		CreatedAt:   j.CreatedAt,
	}
	if j.Decision != nil {
		allow := j.Decision.Allow
		s.Allow = &allow
	}
	if j.Manifest != nil {
		s.Detections = len(j.Manifest.Detections)
	}
	return s
}

// checkPut validates a job about to be written by Put. Release is the only
// way into the released state.
func checkPut(j *Job) error {
	if j == nil {
		return errors.New("nil job")
	}
	if j.State == StateReleased || j.HasArtifact {
		return fmt.Errorf("%w: job %s: use Release to store an artifact", ErrNotReleasable, j.ID)
	}
	return j.Validate()
}

// applyRelease moves j to released after re-checking its persisted decision.
func applyRelease(j *Job, artifact []byte, now time.Time) error {
	if !j.Releasable() {
		return fmt.Errorf("%w: job %s", ErrForbidden, j.ID)
	}
	if j.State != StateEvaluated && j.State != StateReleased {
		return fmt.Errorf("%w: job %s is %s", ErrNotReleasable, j.ID, j.State)
	}
	if len(artifact) == 0 {
		return fmt.Errorf("%w: job %s: empty artifact", ErrNotReleasable, j.ID)
	}
	j.State = StateReleased
	j.HasArtifact = true
	j.UpdatedAt = now
	return nil
}

// applyFail moves j to failed and drops any artifact.
func applyFail(j *Job, reason string, now time.Time) {
	j.State = StateFailed
	j.HasArtifact = false
	j.Error = reason
	j.UpdatedAt = now
}

// checkArtifactAccess is the read-time gate on artifacts.
func checkArtifactAccess(j *Job) error {
	if !j.Releasable() {
		return fmt.Errorf("%w: job %s", ErrForbidden, j.ID)
	}
	if j.State != StateReleased || !j.HasArtifact {
		return fmt.Errorf("%w: job %s has no artifact", ErrNotFound, j.ID)
	}
	return nil
}
