package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	privyotel "github.com/dativo-io/privypress/internal/otel"
)

// SQLiteStore keeps one row per job: the signed record JSON plus the sealed
// artifact.
type SQLiteStore struct {
	db    *sql.DB
	codec *codec
}

// NewSQLiteStore opens (or creates) the job database at dbPath.
func NewSQLiteStore(dbPath, signingKey, artifactKey string) (*SQLiteStore, error) {
	c, err := newCodec(signingKey, artifactKey)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening job database: %w", err)
	}
	// Transactions re-read the decision before writing; a single connection
	// serializes them.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		record_json TEXT NOT NULL,
		signature TEXT NOT NULL,
		artifact BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating job schema: %w", err)
	}

	return &SQLiteStore{db: db, codec: c}, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put writes the record in one statement, replacing any previous version
// and its artifact.
func (s *SQLiteStore) Put(ctx context.Context, j *Job) error {
	if err := checkPut(j); err != nil {
		return err
	}
	ctx, span := tracer.Start(ctx, "jobs.sqlite.put",
		trace.WithAttributes(privyotel.JobID.String(j.ID), attribute.String("job.state", string(j.State))))
	defer span.End()

	stamp(j, now())
	record, sig, err := s.codec.encode(j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, state, created_at, record_json, signature, artifact)
		 VALUES (?, ?, ?, ?, ?, NULL)
		 ON CONFLICT(id) DO UPDATE SET
		   state = excluded.state,
		   created_at = excluded.created_at,
		   record_json = excluded.record_json,
		   signature = excluded.signature,
		   artifact = NULL`,
		j.ID, string(j.State), j.CreatedAt.UnixNano(), string(record), sig)
	if err != nil {
		return fmt.Errorf("storing job %s: %w", j.ID, err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteStore) load(ctx context.Context, q queryRower, id string) (*Job, []byte, error) {
	var record, sig string
	var artifact []byte
	err := q.QueryRowContext(ctx,
		`SELECT record_json, signature, artifact FROM jobs WHERE id = ?`, id).
		Scan(&record, &sig, &artifact)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("querying job %s: %w", id, err)
	}
	j, err := s.codec.decode(id, []byte(record), sig)
	if err != nil {
		return nil, nil, err
	}
	if (artifact != nil) != j.HasArtifact {
		return nil, nil, fmt.Errorf("%w: job %s artifact does not match record", ErrSignature, id)
	}
	return j, artifact, nil
}

// Get returns the verified job record.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	ctx, span := tracer.Start(ctx, "jobs.sqlite.get", trace.WithAttributes(privyotel.JobID.String(id)))
	defer span.End()

	j, _, err := s.load(ctx, s.db, id)
	return j, err
}

// HasArtifact reports whether the job has a stored artifact.
func (s *SQLiteStore) HasArtifact(ctx context.Context, id string) (bool, error) {
	var has bool
	err := s.db.QueryRowContext(ctx, `SELECT artifact IS NOT NULL FROM jobs WHERE id = ?`, id).Scan(&has)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return false, fmt.Errorf("querying job %s: %w", id, err)
	}
	return has, nil
}

// Release re-reads the decision and writes the artifact in one transaction.
func (s *SQLiteStore) Release(ctx context.Context, id string, artifact []byte) error {
	ctx, span := tracer.Start(ctx, "jobs.sqlite.release", trace.WithAttributes(privyotel.JobID.String(id)))
	defer span.End()

	return s.update(ctx, id, func(j *Job) ([]byte, error) {
		if err := applyRelease(j, artifact, now()); err != nil {
			return nil, err
		}
		return s.codec.sealer.Seal(artifact)
	})
}

// Fail marks the job failed and drops its artifact.
func (s *SQLiteStore) Fail(ctx context.Context, id, reason string) error {
	return s.update(ctx, id, func(j *Job) ([]byte, error) {
		applyFail(j, reason, now())
		return nil, nil
	})
}

// update loads, mutates and rewrites a job inside one transaction. mutate
// returns the sealed artifact to store, or nil to clear it.
func (s *SQLiteStore) update(ctx context.Context, id string, mutate func(*Job) ([]byte, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	j, _, err := s.load(ctx, tx, id)
	if err != nil {
		return err
	}
	sealed, err := mutate(j)
	if err != nil {
		return err
	}
	record, sig, err := s.codec.encode(j)
	if err != nil {
		return err
	}
	var blob interface{}
	if sealed != nil {
		blob = sealed
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, record_json = ?, signature = ?, artifact = ? WHERE id = ?`,
		string(j.State), string(record), sig, blob, id); err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing job %s: %w", id, err)
	}
	return nil
}

// Artifact returns the decrypted artifact after re-checking the decision.
func (s *SQLiteStore) Artifact(ctx context.Context, id string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "jobs.sqlite.artifact", trace.WithAttributes(privyotel.JobID.String(id)))
	defer span.End()

	j, sealed, err := s.load(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if err := checkArtifactAccess(j); err != nil {
		return nil, err
	}
	return s.codec.openArtifact(id, sealed)
}

// List returns verified summaries, newest first. Records that fail
// verification are logged and skipped.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Summary, error) {
	ctx, span := tracer.Start(ctx, "jobs.sqlite.list")
	defer span.End()

	query := `SELECT id, record_json, signature FROM jobs ORDER BY created_at DESC, id ASC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var id, record, sig string
		if err := rows.Scan(&id, &record, &sig); err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		j, err := s.codec.decode(id, []byte(record), sig)
		if err != nil {
			log.Warn().Err(err).Str("job_id", id).Msg("job_record_rejected")
			continue
		}
		out = append(out, j.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return out, nil
}

// Purge deletes jobs created before the cutoff.
func (s *SQLiteStore) Purge(ctx context.Context, before time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "jobs.sqlite.purge")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purging jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purging jobs: %w", err)
	}
	span.SetAttributes(attribute.Int64("jobs.purged", n))
	return int(n), nil
}
