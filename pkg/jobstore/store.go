package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/risksense-client/pkg/logging"
)

// DefaultTTL is how long records survive their last update.
const DefaultTTL = 7 * 24 * time.Hour

var (
	// ErrNotFound indicates no record exists for the job
	ErrNotFound = errors.New("export job not found")

	// ErrInvalidRecord indicates the stored record is invalid or corrupted
	ErrInvalidRecord = errors.New("invalid export job record")
)

// Store persists export job records in Redis.
type Store struct {
	redis  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewStore creates a store with Redis backend.
func NewStore(redisClient *redis.Client, opts ...Option) *Store {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	s := &Store{
		redis:  redisClient,
		ttl:    DefaultTTL,
		logger: logging.NewLogger(logging.ComponentJobStore),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save writes rec and refreshes its TTL. UpdatedAt is set to now.
func (s *Store) Save(ctx context.Context, rec *JobRecord) error {
	Operations.WithLabelValues("save").Inc()
	if rec == nil {
		return fmt.Errorf("job record cannot be nil")
	}
	if rec.JobID <= 0 {
		return fmt.Errorf("%w: job id must be positive, got %d", ErrInvalidRecord, rec.JobID)
	}

	rec.UpdatedAt = time.Now().UTC()
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = rec.UpdatedAt
	}

	data, err := json.Marshal(rec)
	if err != nil {
		Errors.WithLabelValues("save").Inc()
		return fmt.Errorf("marshal job record: %w", err)
	}

	if err := s.redis.Set(ctx, rec.Key(), data, s.ttl).Err(); err != nil {
		Errors.WithLabelValues("save").Inc()
		s.logger.Warn().
			Err(err).
			Str("key", rec.Key()).
			Msg("Failed to save export job record")
		return fmt.Errorf("redis set: %w", err)
	}

	s.logger.Debug().
		Str("key", rec.Key()).
		Str("status", rec.Status).
		Msg("Export job record saved")
	return nil
}

// Get loads the record of a job. Returns ErrNotFound if it doesn't exist
// or has expired.
func (s *Store) Get(ctx context.Context, clientID, jobID int) (*JobRecord, error) {
	Operations.WithLabelValues("get").Inc()
	return s.get(ctx, Key(clientID, jobID))
}

func (s *Store) get(ctx context.Context, key string) (*JobRecord, error) {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		Errors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var rec JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		Errors.WithLabelValues("get").Inc()
		s.logger.Warn().Err(err).Str("key", key).Msg("Corrupted export job record")
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return &rec, nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, clientID, jobID int) error {
	Operations.WithLabelValues("delete").Inc()
	if err := s.redis.Del(ctx, Key(clientID, jobID)).Err(); err != nil {
		Errors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// List returns every record of a client ordered by job ID.
func (s *Store) List(ctx context.Context, clientID int) ([]*JobRecord, error) {
	Operations.WithLabelValues("list").Inc()

	var records []*JobRecord
	iter := s.redis.Scan(ctx, 0, clientPattern(clientID), 100).Iterator()
	for iter.Next(ctx) {
		rec, err := s.get(ctx, iter.Val())
		if errors.Is(err, ErrNotFound) {
			s.logger.Debug().Str("key", iter.Val()).Msg("Record expired during list")
			continue
		}
		if err != nil {
			Errors.WithLabelValues("list").Inc()
			return nil, err
		}
		records = append(records, rec)
	}
	if err := iter.Err(); err != nil {
		Errors.WithLabelValues("list").Inc()
		return nil, fmt.Errorf("redis scan: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].JobID < records[j].JobID
	})
	return records, nil
}
