// Package instance manages running form instances: answer writes, workflow
// transitions, completion, derivation, and projection. All clinical state
// flows through the InstanceStore; nothing in this package ever deletes an
// instance or an audit event.
package instance

import (
	"context"

	"github.com/pitabwire/afya/model"
)

// InstanceStore persists form instances and their audit trails. There is
// deliberately no Delete: clinical records are never removed, only superseded
// by later status changes.
type InstanceStore interface {
	// Create persists a new form instance. Returns CONFLICT if the ID exists.
	Create(ctx context.Context, inst model.FormInstance) error

	// Get retrieves a form instance by ID. Returns NOT_FOUND if absent.
	Get(ctx context.Context, instanceID string) (model.FormInstance, error)

	// CreateWithEvent persists a new form instance together with its creation
	// event in one atomic operation. Neither half is ever visible without the
	// other.
	CreateWithEvent(ctx context.Context, inst model.FormInstance, event model.AuditEvent) error

	// Update persists an updated instance with optimistic locking. The version
	// must match the stored version; CONFLICT otherwise.
	Update(ctx context.Context, inst model.FormInstance) error

	// UpdateWithEvent persists an updated instance and appends the audit event
	// that records the mutation as one atomic operation, so the trail can never
	// carry an event for a write that was not applied. Optimistic locking rules
	// are the same as Update.
	UpdateWithEvent(ctx context.Context, inst model.FormInstance, event model.AuditEvent) error

	// AppendEvent adds an event to the instance's append-only audit trail.
	AppendEvent(ctx context.Context, event model.AuditEvent) error

	// GetEvents retrieves all events for an instance in append order.
	GetEvents(ctx context.Context, instanceID string) ([]model.AuditEvent, error)

	// FindByStatus returns instances with the given instance status, oldest
	// first. Used by listings and the sync queue rebuild on startup.
	FindByStatus(ctx context.Context, status string, limit int) ([]model.FormInstance, error)

	// FindBySyncStatus returns instances with the given sync status, oldest
	// first.
	FindBySyncStatus(ctx context.Context, syncStatus string, limit int) ([]model.FormInstance, error)
}
