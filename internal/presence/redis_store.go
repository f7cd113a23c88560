package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares presence between API replicas. Each document keeps a sorted set of
// client ids scored by last heartbeat and a hash of their encoded peer state.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore connects to the Redis instance at redisURL.
func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, ttl, nil), nil
}

// NewRedisStoreWithClient builds a store from an existing client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration, now func() time.Time) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &RedisStore{client: client, prefix: "presence:", ttl: ttl, now: now}
}

// Client exposes the underlying connection so other components can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) seenKey(documentID string) string {
	return s.prefix + documentID + ":seen"
}

func (s *RedisStore) peersKey(documentID string) string {
	return s.prefix + documentID + ":peers"
}

func (s *RedisStore) Touch(ctx context.Context, documentID string, peer Peer) error {
	now := s.now().UTC()
	peer.LastSeen = now
	encoded, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("marshal peer: %w", err)
	}
	seenKey := s.seenKey(documentID)
	peersKey := s.peersKey(documentID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, seenKey, redis.Z{Score: float64(now.UnixMilli()), Member: peer.ClientID})
		pipe.HSet(ctx, peersKey, peer.ClientID, encoded)
		pipe.Expire(ctx, seenKey, 2*s.ttl)
		pipe.Expire(ctx, peersKey, 2*s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, documentID string) ([]Peer, error) {
	seenKey := s.seenKey(documentID)
	peersKey := s.peersKey(documentID)
	cutoff := strconv.FormatInt(s.now().Add(-s.ttl).UnixMilli(), 10)

	stale, err := s.client.ZRangeByScore(ctx, seenKey, &redis.ZRangeBy{Min: "-inf", Max: "(" + cutoff}).Result()
	if err != nil {
		return nil, fmt.Errorf("list stale peers: %w", err)
	}
	if len(stale) > 0 {
		members := make([]interface{}, 0, len(stale))
		for _, clientID := range stale {
			members = append(members, clientID)
		}
		if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, seenKey, members...)
			pipe.HDel(ctx, peersKey, stale...)
			return nil
		}); err != nil {
			return nil, fmt.Errorf("expire stale peers: %w", err)
		}
	}

	live, err := s.client.ZRangeByScore(ctx, seenKey, &redis.ZRangeBy{Min: cutoff, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("list live peers: %w", err)
	}
	if len(live) == 0 {
		return []Peer{}, nil
	}
	values, err := s.client.HMGet(ctx, peersKey, live...).Result()
	if err != nil {
		return nil, fmt.Errorf("load peers: %w", err)
	}
	peers := make([]Peer, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var peer Peer
		if err := json.Unmarshal([]byte(raw), &peer); err != nil {
			continue
		}
		peers = append(peers, peer)
	}
	sortPeers(peers)
	return peers, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
