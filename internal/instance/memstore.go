package instance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/afya/model"
)

// MemoryInstanceStore is an in-memory InstanceStore. It is the store of
// record when the engine runs device-local without Postgres, not just a test
// double, so it copies answer maps on every boundary crossing.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]model.FormInstance
	events    map[string][]model.AuditEvent
}

// NewMemoryInstanceStore creates a new in-memory instance store.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		instances: make(map[string]model.FormInstance),
		events:    make(map[string][]model.AuditEvent),
	}
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryInstanceStore) HealthCheck(_ context.Context) error { return nil }

// Create persists a new form instance.
func (s *MemoryInstanceStore) Create(_ context.Context, inst model.FormInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("form instance %q already exists", inst.ID),
		)
	}

	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

// CreateWithEvent persists a new instance and its creation event under one
// lock acquisition, so no reader ever observes the instance without its event.
func (s *MemoryInstanceStore) CreateWithEvent(_ context.Context, inst model.FormInstance, event model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("form instance %q already exists", inst.ID),
		)
	}

	s.instances[inst.ID] = cloneInstance(inst)
	s.events[inst.ID] = append(s.events[inst.ID], event)
	return nil
}

// Get retrieves a form instance by ID.
func (s *MemoryInstanceStore) Get(_ context.Context, instanceID string) (model.FormInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists {
		return model.FormInstance{}, model.NewNotFoundError(
			fmt.Sprintf("form instance %q not found", instanceID),
		)
	}
	return cloneInstance(inst), nil
}

// Update persists an updated instance with optimistic locking.
func (s *MemoryInstanceStore) Update(_ context.Context, inst model.FormInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("form instance %q not found", inst.ID),
		)
	}

	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("form instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}

	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

// UpdateWithEvent persists the instance and appends the event that describes
// the mutation inside one critical section. The version check runs before
// anything is written: a conflict leaves both the instance and the trail
// untouched.
func (s *MemoryInstanceStore) UpdateWithEvent(_ context.Context, inst model.FormInstance, event model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("form instance %q not found", inst.ID),
		)
	}

	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("form instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}

	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = cloneInstance(inst)
	s.events[inst.ID] = append(s.events[inst.ID], event)
	return nil
}

// AppendEvent adds an event to the instance's audit trail.
func (s *MemoryInstanceStore) AppendEvent(_ context.Context, event model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.InstanceID] = append(s.events[event.InstanceID], event)
	return nil
}

// GetEvents retrieves all events for an instance in append order.
func (s *MemoryInstanceStore) GetEvents(_ context.Context, instanceID string) ([]model.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.instances[instanceID]; !exists {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("form instance %q not found", instanceID),
		)
	}

	events := s.events[instanceID]
	result := make([]model.AuditEvent, len(events))
	copy(result, events)
	return result, nil
}

// FindByStatus returns instances with the given status, oldest first.
func (s *MemoryInstanceStore) FindByStatus(_ context.Context, status string, limit int) ([]model.FormInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filter(limit, func(inst model.FormInstance) bool {
		return inst.Status == status
	}), nil
}

// FindBySyncStatus returns instances with the given sync status, oldest first.
func (s *MemoryInstanceStore) FindBySyncStatus(_ context.Context, syncStatus string, limit int) ([]model.FormInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filter(limit, func(inst model.FormInstance) bool {
		return inst.SyncStatus == syncStatus
	}), nil
}

func (s *MemoryInstanceStore) filter(limit int, keep func(model.FormInstance) bool) []model.FormInstance {
	var result []model.FormInstance
	for _, inst := range s.instances {
		if keep(inst) {
			result = append(result, cloneInstance(inst))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result
}

// Len returns the total number of instances. For testing.
func (s *MemoryInstanceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// cloneInstance copies the maps and slices a caller could otherwise mutate
// behind the store's back.
func cloneInstance(inst model.FormInstance) model.FormInstance {
	if inst.Answers != nil {
		answers := make(map[string]any, len(inst.Answers))
		for k, v := range inst.Answers {
			answers[k] = v
		}
		inst.Answers = answers
	}
	if inst.Calculated.Fields != nil {
		fields := make(map[string]any, len(inst.Calculated.Fields))
		for k, v := range inst.Calculated.Fields {
			fields[k] = v
		}
		inst.Calculated.Fields = fields
	}
	if inst.Calculated.RuleMatches != nil {
		matches := make([]model.RuleMatch, len(inst.Calculated.RuleMatches))
		copy(matches, inst.Calculated.RuleMatches)
		inst.Calculated.RuleMatches = matches
	}
	return inst
}
