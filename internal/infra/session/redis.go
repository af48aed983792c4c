// Package session persists conversation state between turns.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/observability"
	"github.com/boddenberg/pharmacy-assistant-go/internal/port"
)

var tracer = otel.Tracer("session")

// DefaultTTL keeps an idle conversation for a day.
const DefaultTTL = 24 * time.Hour

// RedisStore keeps each conversation as one JSON document. Payment
// references get their own key pointing back at the session so that gateway
// notifications can find it.
type RedisStore struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore creates a RedisStore. Every save refreshes the TTL.
func NewRedisStore(rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl, logger: logger}
}

// NewRedisClient parses url, connects and pings.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.DialTimeout = 5 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// StateKey is the Redis key of a conversation.
func StateKey(key domain.SessionKey) string {
	return fmt.Sprintf("conversation:%s:%s:state", key.OrganizationID, domain.DigitsOnly(key.Phone))
}

// ReferenceKey is the Redis key of a payment reference index entry.
func ReferenceKey(ref string) string {
	return "payment_ref:" + ref
}

func (s *RedisStore) Load(ctx context.Context, key domain.SessionKey) (*domain.ConversationState, error) {
	ctx, span := tracer.Start(ctx, "RedisStore.Load")
	defer span.End()

	raw, err := s.rdb.Get(ctx, StateKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &domain.ErrNotFound{Resource: "session", ID: domain.MaskPhone(key.Phone)}
	}
	if err != nil {
		span.RecordError(err)
		s.logger.Error("failed to load session", observability.Phone(key.Phone), zap.Error(err))
		return nil, &domain.ErrExternalService{Service: "redis", Err: err}
	}

	var state domain.ConversationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &state, nil
}

func (s *RedisStore) Save(ctx context.Context, state domain.ConversationState) error {
	ctx, span := tracer.Start(ctx, "RedisStore.Save")
	defer span.End()

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	key := state.Key()

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, StateKey(key), raw, s.ttl)
		if ref := state.PaymentExternalReference; ref != "" {
			idx, err := json.Marshal(key)
			if err != nil {
				return err
			}
			pipe.Set(ctx, ReferenceKey(ref), idx, s.ttl)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		s.logger.Error("failed to save session", observability.Phone(key.Phone), zap.Error(err))
		return &domain.ErrExternalService{Service: "redis", Err: err}
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key domain.SessionKey) error {
	ctx, span := tracer.Start(ctx, "RedisStore.Delete")
	defer span.End()

	keys := []string{StateKey(key)}
	current, err := s.Load(ctx, key)
	var nf *domain.ErrNotFound
	switch {
	case errors.As(err, &nf):
		return nil
	case err != nil:
		return err
	case current.PaymentExternalReference != "":
		keys = append(keys, ReferenceKey(current.PaymentExternalReference))
	}

	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		span.RecordError(err)
		return &domain.ErrExternalService{Service: "redis", Err: err}
	}
	return nil
}

func (s *RedisStore) FindByReference(ctx context.Context, externalReference string) (*domain.SessionKey, error) {
	ctx, span := tracer.Start(ctx, "RedisStore.FindByReference")
	defer span.End()

	raw, err := s.rdb.Get(ctx, ReferenceKey(externalReference)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &domain.ErrNotFound{Resource: "payment_reference", ID: externalReference}
	}
	if err != nil {
		span.RecordError(err)
		return nil, &domain.ErrExternalService{Service: "redis", Err: err}
	}

	var key domain.SessionKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("decode reference index: %w", err)
	}
	return &key, nil
}

// Ping reports whether Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

var _ port.SessionStore = (*RedisStore)(nil)
