// Package redis stores conversation profiles in Redis so several membot
// processes can share them.
//
// Each profile is a JSON string under "<prefix>profile:<id>". A sorted set
// under "<prefix>profiles" indexes ids by last update for listing. Updates use
// WATCH/MULTI so concurrent writers on the same id retry instead of
// overwriting each other.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kalambet/membot/internal/profile"
)

// maxTxRetries bounds optimistic-lock retries in Update.
const maxTxRetries = 16

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // Key prefix, default "membot:"
	TTL      time.Duration // Expiration for profiles, default 0 (no expiration)
}

// Store implements profile.Backend on Redis.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ profile.Backend = (*Store)(nil)

// New creates a Redis-backed store.
func New(opts Options) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "membot:"
	}

	return &Store{
		client: client,
		prefix: prefix,
		ttl:    opts.TTL,
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client's connections.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) profileKey(id string) string {
	return fmt.Sprintf("%sprofile:%s", s.prefix, id)
}

func (s *Store) indexKey() string {
	return s.prefix + "profiles"
}

// Get returns the profile for id or profile.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (profile.Profile, error) {
	data, err := s.client.Get(ctx, s.profileKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return profile.Profile{}, profile.ErrNotFound
	}
	if err != nil {
		return profile.Profile{}, fmt.Errorf("failed to get profile from redis: %w", err)
	}
	return decode(data)
}

// Update applies fn under WATCH on the profile key, retrying when another
// client wrote the key between read and commit.
func (s *Store) Update(ctx context.Context, id string, fn profile.UpdateFunc) (profile.Profile, error) {
	key := s.profileKey(id)

	var result profile.Profile
	txf := func(tx *redis.Tx) error {
		var (
			cur    profile.Profile
			exists bool
		)
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if cur, err = decode(data); err != nil {
				return err
			}
			exists = true
		}

		next, write, err := fn(cur, exists)
		if err != nil {
			return err
		}
		result = next
		if !write {
			return nil
		}

		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal profile: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(next.UpdatedAt.UnixMilli()), Member: id})
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return profile.Profile{}, fmt.Errorf("failed to update profile in redis: %w", err)
	}
	return profile.Profile{}, fmt.Errorf("failed to update profile in redis: too much contention on %q", id)
}

// Delete removes the profile and its index entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.profileKey(id))
	pipe.ZRem(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete profile from redis: %w", err)
	}
	return nil
}

// List returns up to limit profiles, most recently updated first. Index
// entries whose profile expired are skipped.
func (s *Store) List(ctx context.Context, limit int) ([]profile.Profile, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles from redis: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.profileKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load profiles from redis: %w", err)
	}

	out := make([]profile.Profile, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		p, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func decode(data []byte) (profile.Profile, error) {
	var p profile.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return profile.Profile{}, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	if p.Likes == nil {
		p.Likes = []string{}
	}
	if p.Dislikes == nil {
		p.Dislikes = []string{}
	}
	return p, nil
}
