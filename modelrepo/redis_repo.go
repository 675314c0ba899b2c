package modelrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// manifestKeyPrefix namespaces manifest records in Redis.
const manifestKeyPrefix = "fluxgate:model:"

// RedisRepository implements Repository backed by Redis, with manifests
// stored as JSON under fluxgate:model:<id>.
type RedisRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRepository creates a Redis-backed repository. A zero ttl keeps
// manifests indefinitely.
func NewRedisRepository(client *redis.Client, ttl time.Duration) *RedisRepository {
	return &RedisRepository{client: client, ttl: ttl}
}

// Put stores a manifest.
func (r *RedisRepository) Put(ctx context.Context, m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := r.client.Set(ctx, manifestKeyPrefix+m.ModelID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("saving manifest to Redis: %w", err)
	}
	return nil
}

// FindByID returns the manifest when present and visible to the tenant.
func (r *RedisRepository) FindByID(ctx context.Context, modelID, tenantID string) (*Manifest, error) {
	data, err := r.client.Get(ctx, manifestKeyPrefix+modelID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("model %q: %w", modelID, ErrModelNotFound)
		}
		return nil, fmt.Errorf("getting manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshaling manifest: %w", err)
	}
	if !m.VisibleTo(tenantID) {
		return nil, fmt.Errorf("model %q: %w", modelID, ErrModelNotFound)
	}
	return &m, nil
}
