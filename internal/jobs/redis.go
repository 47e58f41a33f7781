package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	privyotel "github.com/dativo-io/privypress/internal/otel"
)

// Redis key layout, namespaced so several deployments can share a server:
//
//	privypress:{ns}:job:{id}  hash: record, signature, artifact
//	privypress:{ns}:jobs      sorted set of ids scored by creation time (ms)

// JobKey returns the hash key of a job.
func JobKey(namespace, id string) string {
	return fmt.Sprintf("privypress:%s:job:%s", namespace, id)
}

// IndexKey returns the key of the creation-time index.
func IndexKey(namespace string) string {
	return fmt.Sprintf("privypress:%s:jobs", namespace)
}

const (
	fieldRecord    = "record"
	fieldSignature = "signature"
	fieldArtifact  = "artifact"

	// maxTxRetries bounds optimistic-lock retries when a watched job changes
	// mid-transaction.
	maxTxRetries = 5
)

// RedisStore keeps each job in one hash, written with MULTI/EXEC so the
// record and artifact never diverge.
type RedisStore struct {
	rdb       *redis.Client
	namespace string
	codec     *codec
}

// NewRedisStore connects to Redis. namespace must not be empty.
func NewRedisStore(opts *redis.Options, namespace, signingKey, artifactKey string) (*RedisStore, error) {
	if namespace == "" {
		return nil, errors.New("redis namespace cannot be empty")
	}
	c, err := newCodec(signingKey, artifactKey)
	if err != nil {
		return nil, err
	}
	return &RedisStore{rdb: redis.NewClient(opts), namespace: namespace, codec: c}, nil
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Put writes record, signature and index entry in one transaction and
// removes any previous artifact.
func (s *RedisStore) Put(ctx context.Context, j *Job) error {
	if err := checkPut(j); err != nil {
		return err
	}
	ctx, span := tracer.Start(ctx, "jobs.redis.put",
		trace.WithAttributes(privyotel.JobID.String(j.ID), attribute.String("job.state", string(j.State))))
	defer span.End()

	stamp(j, now())
	record, sig, err := s.codec.encode(j)
	if err != nil {
		return err
	}
	key := JobKey(s.namespace, j.ID)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, key, fieldArtifact)
		p.HSet(ctx, key, fieldRecord, record, fieldSignature, sig)
		p.ZAdd(ctx, IndexKey(s.namespace), redis.Z{Score: float64(j.CreatedAt.UnixMilli()), Member: j.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing job %s: %w", j.ID, err)
	}
	return nil
}

type getter interface {
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
}

func (s *RedisStore) load(ctx context.Context, g getter, id string) (*Job, []byte, error) {
	vals, err := g.HMGet(ctx, JobKey(s.namespace, id), fieldRecord, fieldSignature, fieldArtifact).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("reading job %s: %w", id, err)
	}
	record, ok := vals[0].(string)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sig, _ := vals[1].(string)
	j, err := s.codec.decode(id, []byte(record), sig)
	if err != nil {
		return nil, nil, err
	}
	var sealed []byte
	if a, ok := vals[2].(string); ok {
		sealed = []byte(a)
	}
	if (sealed != nil) != j.HasArtifact {
		return nil, nil, fmt.Errorf("%w: job %s artifact does not match record", ErrSignature, id)
	}
	return j, sealed, nil
}

// Get returns the verified job record.
func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	ctx, span := tracer.Start(ctx, "jobs.redis.get", trace.WithAttributes(privyotel.JobID.String(id)))
	defer span.End()

	j, _, err := s.load(ctx, s.rdb, id)
	return j, err
}

// HasArtifact reports whether the job has a stored artifact.
func (s *RedisStore) HasArtifact(ctx context.Context, id string) (bool, error) {
	key := JobKey(s.namespace, id)
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("reading job %s: %w", id, err)
	}
	if n == 0 {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	has, err := s.rdb.HExists(ctx, key, fieldArtifact).Result()
	if err != nil {
		return false, fmt.Errorf("reading job %s: %w", id, err)
	}
	return has, nil
}

// Release re-reads the decision under WATCH and writes the artifact with
// the updated record in the same MULTI/EXEC.
func (s *RedisStore) Release(ctx context.Context, id string, artifact []byte) error {
	ctx, span := tracer.Start(ctx, "jobs.redis.release", trace.WithAttributes(privyotel.JobID.String(id)))
	defer span.End()

	return s.update(ctx, id, func(j *Job) ([]byte, error) {
		if err := applyRelease(j, artifact, now()); err != nil {
			return nil, err
		}
		return s.codec.sealer.Seal(artifact)
	})
}

// Fail marks the job failed and drops its artifact.
func (s *RedisStore) Fail(ctx context.Context, id, reason string) error {
	return s.update(ctx, id, func(j *Job) ([]byte, error) {
		applyFail(j, reason, now())
		return nil, nil
	})
}

func (s *RedisStore) update(ctx context.Context, id string, mutate func(*Job) ([]byte, error)) error {
	key := JobKey(s.namespace, id)
	txf := func(tx *redis.Tx) error {
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
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, fieldRecord, record, fieldSignature, sig)
			if sealed != nil {
				p.HSet(ctx, key, fieldArtifact, sealed)
			} else {
				p.HDel(ctx, key, fieldArtifact)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("updating job %s: %w", id, redis.TxFailedErr)
}

// Artifact returns the decrypted artifact after re-checking the decision.
func (s *RedisStore) Artifact(ctx context.Context, id string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "jobs.redis.artifact", trace.WithAttributes(privyotel.JobID.String(id)))
	defer span.End()

	j, sealed, err := s.load(ctx, s.rdb, id)
	if err != nil {
		return nil, err
	}
	if err := checkArtifactAccess(j); err != nil {
		return nil, err
	}
	return s.codec.openArtifact(id, sealed)
}

// List returns verified summaries, newest first.
func (s *RedisStore) List(ctx context.Context, limit int) ([]Summary, error) {
	ctx, span := tracer.Start(ctx, "jobs.redis.list")
	defer span.End()

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.rdb.ZRevRange(ctx, IndexKey(s.namespace), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	out := []Summary{}
	for _, id := range ids {
		j, _, err := s.load(ctx, s.rdb, id)
		if err != nil {
			log.Warn().Err(err).Str("job_id", id).Msg("job_record_rejected")
			continue
		}
		out = append(out, j.Summary())
	}
	return out, nil
}

// Purge deletes jobs created before the cutoff, at millisecond resolution.
func (s *RedisStore) Purge(ctx context.Context, before time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "jobs.redis.purge")
	defer span.End()

	index := IndexKey(s.namespace)
	ids, err := s.rdb.ZRangeByScore(ctx, index, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("purging jobs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		keys[i] = JobKey(s.namespace, id)
		members[i] = id
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		p.ZRem(ctx, index, members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purging jobs: %w", err)
	}
	span.SetAttributes(attribute.Int("jobs.purged", len(ids)))
	return len(ids), nil
}
