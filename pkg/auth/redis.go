package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps token records in Redis so several gateway processes can
// share them. Records are CBOR encoded.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("auth: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("auth: ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func tokenKey(token string) string {
	return "token:" + token
}

func dashboardKey(owner string, dashID int) string {
	return fmt.Sprintf("dash:%s:%d", owner, dashID)
}

func encodeDevice(d Device) ([]byte, error) {
	return cbor.Marshal(d)
}

func decodeDevice(data []byte) (Device, error) {
	var d Device
	if err := cbor.Unmarshal(data, &d); err != nil {
		return Device{}, fmt.Errorf("auth: decode device record: %w", err)
	}
	return d, nil
}

func (s *RedisStore) Resolve(ctx context.Context, token string) (Device, error) {
	data, err := s.client.Get(ctx, tokenKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Device{}, ErrInvalidToken
	}
	if err != nil {
		return Device{}, fmt.Errorf("auth: get token: %w", err)
	}
	return decodeDevice(data)
}

func (s *RedisStore) Issue(ctx context.Context, owner string, dashID int) (Device, error) {
	token, err := s.client.Get(ctx, dashboardKey(owner, dashID)).Result()
	switch {
	case err == nil:
		d, err := s.Resolve(ctx, token)
		if !errors.Is(err, ErrInvalidToken) {
			return d, err
		}
		// Dangling dashboard pointer; issue a replacement below.
	case !errors.Is(err, redis.Nil):
		return Device{}, fmt.Errorf("auth: get dashboard token: %w", err)
	}
	return s.store(ctx, owner, dashID, "")
}

func (s *RedisStore) Refresh(ctx context.Context, owner string, dashID int) (Device, error) {
	old, err := s.client.Get(ctx, dashboardKey(owner, dashID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Device{}, fmt.Errorf("auth: get dashboard token: %w", err)
	}
	return s.store(ctx, owner, dashID, old)
}

func (s *RedisStore) store(ctx context.Context, owner string, dashID int, replaced string) (Device, error) {
	d := Device{Token: NewToken(), Owner: owner, DashID: dashID, IssuedAt: time.Now().UTC()}
	data, err := encodeDevice(d)
	if err != nil {
		return Device{}, fmt.Errorf("auth: encode device record: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if replaced != "" {
			pipe.Del(ctx, tokenKey(replaced))
		}
		pipe.Set(ctx, tokenKey(d.Token), data, 0)
		pipe.Set(ctx, dashboardKey(owner, dashID), d.Token, 0)
		return nil
	})
	if err != nil {
		return Device{}, fmt.Errorf("auth: store token: %w", err)
	}
	return d, nil
}
