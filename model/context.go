package model

import (
	"context"
	"errors"
	"fmt"
)

// ActorContext carries the identity of the health worker and device behind a
// request, used to stamp every audit event. It is immutable after
// construction and safe for concurrent reads. The engine never generates
// identity; it only records what the calling layer provides.
type ActorContext struct {
	ActorID    string
	DeviceID   string
	FacilityID string
	Roles      []string
	Claims     map[string]any

	CorrelationID string
	TraceID       string
	Locale        string
}

// Validate checks that all mandatory fields are present. ActorID and
// DeviceID must be non-empty: an audit event without them is worthless to a
// clinical reviewer.
func (ac *ActorContext) Validate() error {
	var errs []error
	if ac.ActorID == "" {
		errs = append(errs, fmt.Errorf("ActorID is required"))
	}
	if ac.DeviceID == "" {
		errs = append(errs, fmt.Errorf("DeviceID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasRole returns true if the ActorContext contains the given role.
func (ac *ActorContext) HasRole(role string) bool {
	for _, r := range ac.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type contextKey struct{}

// WithActorContext attaches an ActorContext to the given context.
func WithActorContext(ctx context.Context, actor *ActorContext) context.Context {
	return context.WithValue(ctx, contextKey{}, actor)
}

// ActorContextFrom extracts the ActorContext from the context, or returns nil
// if not present.
func ActorContextFrom(ctx context.Context) *ActorContext {
	actor, _ := ctx.Value(contextKey{}).(*ActorContext)
	return actor
}

// MustActorContext extracts the ActorContext from the context, panicking if
// it is not present. Safe to call in handlers guaranteed to run behind the
// authentication middleware.
func MustActorContext(ctx context.Context) *ActorContext {
	actor := ActorContextFrom(ctx)
	if actor == nil {
		panic("model: ActorContext not found in context")
	}
	return actor
}
