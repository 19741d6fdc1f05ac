package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rewired-gh/polyedge/internal/models"
)

// RedisStore keeps snapshots in Redis under "<prefix>:snapshot:<date>:<station>:<bracket>".
// Writes use SETNX so concurrent observers on different hosts keep the first price.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewRedisStoreFromClient(client, opts.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client. An empty prefix means "polyedge".
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "polyedge"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

type redisSnapshot struct {
	PMarket    float64   `json:"p_market"`
	CapturedAt time.Time `json:"captured_at"`
	Source     string    `json:"source"`
}

func (r *RedisStore) Get(ctx context.Context, key models.PriceSnapshotKey) (models.PriceSnapshot, bool, error) {
	data, err := r.client.Get(ctx, r.wrapKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.PriceSnapshot{}, false, nil
	}
	if err != nil {
		return models.PriceSnapshot{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var v redisSnapshot
	if err := json.Unmarshal(data, &v); err != nil {
		return models.PriceSnapshot{}, false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return models.PriceSnapshot{
		PriceSnapshotKey: key,
		PMarket:          v.PMarket,
		CapturedAt:       v.CapturedAt,
		Source:           v.Source,
	}, true, nil
}

func (r *RedisStore) PutIfAbsent(ctx context.Context, snap models.PriceSnapshot) (bool, error) {
	if err := snap.Validate(); err != nil {
		return false, fmt.Errorf("invalid snapshot: %w", err)
	}
	data, err := json.Marshal(redisSnapshot{PMarket: snap.PMarket, CapturedAt: snap.CapturedAt, Source: snap.Source})
	if err != nil {
		return false, err
	}
	ok, err := r.client.SetNX(ctx, r.wrapKey(snap.PriceSnapshotKey), data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", snap.PriceSnapshotKey, err)
	}
	return ok, nil
}

// Snapshots scans the keys of one station and date.
func (r *RedisStore) Snapshots(ctx context.Context, date, station string) ([]models.PriceSnapshot, error) {
	base := r.wrapKey(models.PriceSnapshotKey{Date: date, Station: station})
	var out []models.PriceSnapshot
	iter := r.client.Scan(ctx, 0, base+"*", 100).Iterator()
	for iter.Next(ctx) {
		bracketID := strings.TrimPrefix(iter.Val(), base)
		snap, ok, err := r.Get(ctx, models.PriceSnapshotKey{Date: date, Station: station, BracketID: bracketID})
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, snap)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", base, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BracketID < out[j].BracketID })
	return out, nil
}

func (r *RedisStore) wrapKey(key models.PriceSnapshotKey) string {
	return fmt.Sprintf("%s:snapshot:%s", r.prefix, key)
}
