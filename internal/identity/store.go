package identity

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/axiestudio/voicebridge/pkg/logging"
)

const storageKey = "voicebridge:user_info"

// DefaultTTL bounds how long an abandoned record can outlive its call.
const DefaultTTL = 12 * time.Hour

// Store is the single-slot persisted copy of the caller's identity. The
// persisted copy is authoritative; when Redis is unreachable the last
// in-memory copy is treated as canonical for the remainder of the call.
// Only the form-submission path writes it and only call teardown clears it.
type Store struct {
	redis  *redis.Client
	logger *logging.Logger
	tracer trace.Tracer
	ttl    time.Duration

	mu     sync.RWMutex
	mem    Record
	hasMem bool
}

// NewStore creates a Store backed by the given Redis client.
func NewStore(rdb *redis.Client, logger *logging.Logger) *Store {
	if rdb == nil {
		panic("identity: redis client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		redis:  rdb,
		logger: logger,
		tracer: otel.Tracer("voicebridge.internal.identity"),
		ttl:    DefaultTTL,
	}
}

// WithTTL overrides the persisted record's expiry.
func (s *Store) WithTTL(d time.Duration) *Store {
	if d > 0 {
		s.ttl = d
	}
	return s
}

// Save persists the record. Persistence failures are logged, not returned;
// the in-memory copy still becomes canonical for the call.
func (s *Store) Save(ctx context.Context, rec Record) {
	ctx, span := s.tracer.Start(ctx, "identity.save")
	defer span.End()

	s.mu.Lock()
	s.mem = rec
	s.hasMem = true
	s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("identity marshal failed", "error", err)
		return
	}
	if err := s.redis.Set(ctx, storageKey, data, s.ttl).Err(); err != nil {
		span.RecordError(err)
		s.logger.Error("identity persist failed, keeping in-memory copy", "error", err)
	}
}

// Load returns the current record. Missing data yields a zero record;
// corrupt persisted data is discarded and yields a zero record; a Redis
// transport failure falls back to the in-memory copy.
func (s *Store) Load(ctx context.Context) Record {
	ctx, span := s.tracer.Start(ctx, "identity.load")
	defer span.End()

	data, err := s.redis.Get(ctx, storageKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Record{}
		}
		span.RecordError(err)
		s.logger.Warn("identity load failed, using in-memory copy", "error", err)
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.hasMem {
			return s.mem
		}
		return Record{}
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		span.RecordError(err)
		s.logger.Warn("discarding corrupt identity record", "error", err)
		if delErr := s.redis.Del(ctx, storageKey).Err(); delErr != nil {
			s.logger.Warn("corrupt identity delete failed", "error", delErr)
		}
		return Record{}
	}
	return rec
}

// Clear erases the persisted and in-memory copies.
func (s *Store) Clear(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "identity.clear")
	defer span.End()

	s.mu.Lock()
	s.mem = Record{}
	s.hasMem = false
	s.mu.Unlock()

	if err := s.redis.Del(ctx, storageKey).Err(); err != nil {
		span.RecordError(err)
		s.logger.Warn("identity clear failed", "error", err)
	}
}
