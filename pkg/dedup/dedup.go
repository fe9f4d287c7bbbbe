// Package dedup keeps idempotency keys in Redis so a redelivered ingestion
// job is not processed twice.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/WessleyAI/wessley-kb/engine/domain"
)

// Key states.
const (
	StateProcessing = "processing"
	StateDone       = "done"
)

// Options configures key lifetimes.
type Options struct {
	Prefix string
	// ClaimTTL bounds how long a crashed worker can hold a key.
	ClaimTTL time.Duration
	// DoneTTL is how long a finished job is remembered.
	DoneTTL time.Duration
}

// DefaultOptions returns the production lifetimes.
func DefaultOptions() Options {
	return Options{Prefix: "kb:ingest:", ClaimTTL: 2 * time.Hour, DoneTTL: 7 * 24 * time.Hour}
}

// Store holds idempotency keys.
type Store struct {
	rdb    redis.UniversalClient
	opts   Options
	logger *slog.Logger
}

// New creates a Store over an existing client.
func New(rdb redis.UniversalClient, opts Options, logger *slog.Logger) *Store {
	def := DefaultOptions()
	if opts.Prefix == "" {
		opts.Prefix = def.Prefix
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = def.ClaimTTL
	}
	if opts.DoneTTL <= 0 {
		opts.DoneTTL = def.DoneTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{rdb: rdb, opts: opts, logger: logger}
}

// Key derives a stable key from the inputs.
func Key(inputs ...any) (string, error) {
	if len(inputs) == 0 {
		return "", errors.New("dedup: key needs at least one input")
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("dedup: encode key inputs: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// JobKey identifies one ingestion job. Files are part of the key so a
// resubmission with different files is not skipped.
func JobKey(job domain.IngestJob) (string, error) {
	files := make([]string, len(job.Files))
	for i, f := range job.Files {
		files[i] = f.FileID + "@" + f.URL
	}
	return Key(job.JobID, job.KnowledgeBaseID, job.Collection, files)
}

// Claim marks key as in progress. It reports false when another delivery
// holds or has finished the key.
func (s *Store) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.opts.Prefix+key, StateProcessing, s.opts.ClaimTTL).Result()
	if err != nil {
		return false, domain.Recoverable(fmt.Errorf("dedup: claim: %w", err))
	}
	if !ok {
		s.logger.Debug("dedup: key already claimed", "key", key)
	}
	return ok, nil
}

// Complete remembers key as done.
func (s *Store) Complete(ctx context.Context, key string) error {
	if err := s.rdb.Set(ctx, s.opts.Prefix+key, StateDone, s.opts.DoneTTL).Err(); err != nil {
		return domain.Recoverable(fmt.Errorf("dedup: complete: %w", err))
	}
	return nil
}

// Release forgets key so a retry can claim it.
func (s *Store) Release(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.opts.Prefix+key).Err(); err != nil {
		return domain.Recoverable(fmt.Errorf("dedup: release: %w", err))
	}
	return nil
}

// State returns the state of key, or "" when unknown.
func (s *Store) State(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, s.opts.Prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", domain.Recoverable(fmt.Errorf("dedup: state: %w", err))
	}
	return v, nil
}
