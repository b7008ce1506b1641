package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a durable Store backed by Redis. Channel and pending rows
// are JSON blobs under namespaced keys; the tunnel_id secondary index is a
// plain string key pointing at the owning channel_id. Redis key TTLs
// provide the best-effort reclamation the spec calls for. No client-side
// transaction is used: TakePending is a single GETDEL and so atomic, while
// CompletePending is a GET, a TTL and a SET issued one after another, so a
// concurrent writer to the same key between them is not excluded.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore constructs a RedisStore. prefix namespaces all keys (e.g.
// "relaymesh:") so a shared Redis instance can host multiple deployments.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) channelKey(id string) string { return s.prefix + "channel:" + id }
func (s *RedisStore) tunnelKey(id string) string  { return s.prefix + "tunnel:" + id }
func (s *RedisStore) pendingKey(id string) string { return s.prefix + "pending:" + id }

func ttlDuration(ttlSecs int64, nowSecs int64) time.Duration {
	d := time.Duration(ttlSecs-nowSecs) * time.Second
	if d <= 0 {
		return time.Second // avoid Redis treating a non-positive TTL as "no expiry"
	}
	return d
}

func (s *RedisStore) PutChannel(ctx context.Context, rec ChannelRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := ttlDuration(rec.TTL, time.Now().Unix())
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.channelKey(rec.ChannelID), b, ttl)
	pipe.Set(ctx, s.tunnelKey(rec.TunnelID), rec.ChannelID, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) DeleteChannel(ctx context.Context, channelID string) error {
	rec, err := s.GetChannel(ctx, channelID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.channelKey(channelID))
	if err == nil {
		pipe.Del(ctx, s.tunnelKey(rec.TunnelID))
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetChannel(ctx context.Context, channelID string) (ChannelRecord, error) {
	b, err := s.rdb.Get(ctx, s.channelKey(channelID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ChannelRecord{}, ErrNotFound
	}
	if err != nil {
		return ChannelRecord{}, err
	}
	var rec ChannelRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return ChannelRecord{}, fmt.Errorf("decode channel record: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) FindChannelByTunnel(ctx context.Context, tunnelID string) (ChannelRecord, error) {
	channelID, err := s.rdb.Get(ctx, s.tunnelKey(tunnelID)).Result()
	if errors.Is(err, redis.Nil) {
		return ChannelRecord{}, ErrNotFound
	}
	if err != nil {
		return ChannelRecord{}, err
	}
	return s.GetChannel(ctx, channelID)
}

func (s *RedisStore) PutPending(ctx context.Context, rec PendingRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := ttlDuration(rec.TTL, time.Now().Unix())
	ok, err := s.rdb.SetNX(ctx, s.pendingKey(rec.RequestID), b, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

func (s *RedisStore) GetPending(ctx context.Context, requestID string) (PendingRecord, error) {
	b, err := s.rdb.Get(ctx, s.pendingKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return PendingRecord{}, ErrNotFound
	}
	if err != nil {
		return PendingRecord{}, err
	}
	var rec PendingRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return PendingRecord{}, fmt.Errorf("decode pending record: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) CompletePending(ctx context.Context, requestID string, responseBlob string) error {
	rec, err := s.GetPending(ctx, requestID)
	if err != nil {
		return err
	}
	rec.Status = PendingStatusCompleted
	rec.ResponseBlob = responseBlob
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := s.rdb.TTL(ctx, s.pendingKey(requestID)).Val()
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.rdb.Set(ctx, s.pendingKey(requestID), b, ttl).Err()
}

func (s *RedisStore) TakePending(ctx context.Context, requestID string) (PendingRecord, error) {
	b, err := s.rdb.GetDel(ctx, s.pendingKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return PendingRecord{}, ErrNotFound
	}
	if err != nil {
		return PendingRecord{}, err
	}
	var rec PendingRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return PendingRecord{}, fmt.Errorf("decode pending record: %w", err)
	}
	return rec, nil
}

// ScanExpired is a no-op for RedisStore: server-side TTL already reclaims
// expired keys, so there is nothing for a scheduled_tick to find here. It
// still satisfies the Store interface for deployments that mix a
// scheduled_tick driver with a Redis backend targeting the MemStore case.
func (s *RedisStore) ScanExpired(_ context.Context, _ Table, _ int64) ([]ExpiredRecord, error) {
	return nil, nil
}
