// Package syncqueue schedules completed encounters for outbound transfer.
// The queue orders by triage severity first, retries failures with
// exponential backoff, and never deletes or mutates local clinical data:
// a record leaves the queue only on acknowledged success.
package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/afya/model"
)

// SyncStateStore persists transfer bookkeeping (attempts, backoff, last
// error) so a device restart never loses the queue. It holds scheduling
// state only, never clinical answers.
type SyncStateStore interface {
	// Save upserts the record keyed by instance ID.
	Save(ctx context.Context, rec model.SyncRecord) error

	// Get retrieves the record for an instance.
	Get(ctx context.Context, instanceID string) (model.SyncRecord, bool, error)

	// Remove deletes the record after acknowledged transfer. The instance
	// itself is untouched.
	Remove(ctx context.Context, instanceID string) error

	// List returns every stored record.
	List(ctx context.Context) ([]model.SyncRecord, error)
}

// --- MemorySyncStateStore ---

// MemorySyncStateStore is an in-memory SyncStateStore for single-device
// deployments and tests.
type MemorySyncStateStore struct {
	mu      sync.RWMutex
	records map[string]model.SyncRecord
}

// NewMemorySyncStateStore creates a new in-memory sync state store.
func NewMemorySyncStateStore() *MemorySyncStateStore {
	return &MemorySyncStateStore{records: make(map[string]model.SyncRecord)}
}

// Save upserts a record.
func (s *MemorySyncStateStore) Save(_ context.Context, rec model.SyncRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.InstanceID] = rec
	return nil
}

// Get retrieves a record.
func (s *MemorySyncStateStore) Get(_ context.Context, instanceID string) (model.SyncRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[instanceID]
	return rec, ok, nil
}

// Remove deletes a record.
func (s *MemorySyncStateStore) Remove(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, instanceID)
	return nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemorySyncStateStore) HealthCheck(_ context.Context) error { return nil }

// List returns all records.
func (s *MemorySyncStateStore) List(_ context.Context) ([]model.SyncRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SyncRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

// --- RedisSyncStateStore ---

const redisKeyPrefix = "sync:record:"

// RedisSyncStateStore is a Redis-backed SyncStateStore for deployments where
// several gateway replicas share one transfer queue. Records carry no TTL:
// scheduling state expires only on acknowledged transfer.
type RedisSyncStateStore struct {
	client redis.Cmdable
}

// NewRedisSyncStateStore creates a new Redis-backed sync state store.
func NewRedisSyncStateStore(client redis.Cmdable) *RedisSyncStateStore {
	return &RedisSyncStateStore{client: client}
}

// Save upserts a record.
func (s *RedisSyncStateStore) Save(ctx context.Context, rec model.SyncRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal sync record: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+rec.InstanceID, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", rec.InstanceID, err)
	}
	return nil
}

// Get retrieves a record.
func (s *RedisSyncStateStore) Get(ctx context.Context, instanceID string) (model.SyncRecord, bool, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+instanceID).Bytes()
	if err == redis.Nil {
		return model.SyncRecord{}, false, nil
	}
	if err != nil {
		return model.SyncRecord{}, false, fmt.Errorf("redis get %q: %w", instanceID, err)
	}
	var rec model.SyncRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.SyncRecord{}, false, fmt.Errorf("unmarshal sync record %q: %w", instanceID, err)
	}
	return rec, true, nil
}

// Remove deletes a record.
func (s *RedisSyncStateStore) Remove(ctx context.Context, instanceID string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+instanceID).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", instanceID, err)
	}
	return nil
}

// HealthCheck pings the Redis server.
func (s *RedisSyncStateStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// List returns all records by scanning the key prefix.
func (s *RedisSyncStateStore) List(ctx context.Context) ([]model.SyncRecord, error) {
	var out []model.SyncRecord
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %q: %w", iter.Val(), err)
		}
		var rec model.SyncRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal sync record %q: %w", iter.Val(), err)
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}
