package jobs

import (
	"context"
	"time"

	privyotel "github.com/dativo-io/privypress/internal/otel"
)

var tracer = privyotel.Tracer("github.com/dativo-io/privypress/internal/jobs")

// Store persists jobs. Manifest, decision and state are always written
// together; readers never observe one without the others.
type Store interface {
	// Put creates or replaces a job record. Any stored artifact is dropped.
	Put(ctx context.Context, j *Job) error
	// Get returns the job or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)
	// HasArtifact reports whether a sanitized artifact is stored.
	HasArtifact(ctx context.Context, id string) (bool, error)
	// Release stores the artifact and marks the job released, after
	// re-checking the persisted decision in the same transaction.
	Release(ctx context.Context, id string, artifact []byte) error
	// Artifact returns the sanitized artifact, re-checking the persisted
	// decision: ErrForbidden when it denies, ErrNotFound when nothing was
	// rendered.
	Artifact(ctx context.Context, id string) ([]byte, error)
	// Fail marks the job failed and drops any artifact.
	Fail(ctx context.Context, id, reason string) error
	// List returns up to limit jobs, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]Summary, error)
	// Purge deletes jobs created before the cutoff and reports how many.
	Purge(ctx context.Context, before time.Time) (int, error)
	Close() error
}

func now() time.Time { return time.Now().UTC() }

// stamp fills in timestamps for a job about to be written.
func stamp(j *Job, t time.Time) {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = t
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = t
}
