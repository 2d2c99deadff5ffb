package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sire/internal/sire/models"
	"sire/pkg/platform/sentinel"
)

const keyPrefix = "sire:session:"

// RedisStore keeps sessions as JSON under sire:session:<taxpayer>. Keys expire
// a grace period after the session itself so Status can still report an
// expired session for a while.
type RedisStore struct {
	client *redis.Client
	grace  time.Duration
	now    func() time.Time
}

func NewRedis(client *redis.Client, grace time.Duration) *RedisStore {
	if grace <= 0 {
		grace = time.Hour
	}
	return &RedisStore{client: client, grace: grace, now: time.Now}
}

func key(taxpayerID string) string {
	return keyPrefix + taxpayerID
}

func (s *RedisStore) Get(ctx context.Context, taxpayerID string) (*models.Session, error) {
	raw, err := s.client.Get(ctx, key(taxpayerID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// Save is a compare-and-update on Version using WATCH. A concurrent write to the
// key between the read and EXEC surfaces as sentinel.ErrConflict.
func (s *RedisStore) Save(ctx context.Context, sess *models.Session) error {
	k := key(sess.TaxpayerID)
	expected := sess.Version

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		var current int64
		raw, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("get session: %w", err)
		default:
			var stored models.Session
			if err := json.Unmarshal(raw, &stored); err != nil {
				return fmt.Errorf("decode session: %w", err)
			}
			current = stored.Version
		}
		if current != expected {
			return sentinel.ErrConflict
		}

		next := *sess
		next.Version = expected + 1
		data, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, k, data, s.ttl(sess))
			return nil
		})
		return err
	}, k)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) || errors.Is(err, sentinel.ErrConflict) {
			return sentinel.ErrConflict
		}
		return err
	}
	sess.Version = expected + 1
	return nil
}

func (s *RedisStore) ttl(sess *models.Session) time.Duration {
	remaining := sess.ExpiresAt.Sub(s.now())
	if remaining < 0 {
		remaining = 0
	}
	return remaining + s.grace
}
