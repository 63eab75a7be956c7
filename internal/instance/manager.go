package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/afya/internal/audit"
	"github.com/pitabwire/afya/internal/condition"
	"github.com/pitabwire/afya/internal/schema"
	"github.com/pitabwire/afya/internal/workflow"
	"github.com/pitabwire/afya/model"
)

// Manager orchestrates the lifecycle of form instances: creation against a
// pinned schema version, answer writes with validation and full re-derivation,
// guarded workflow transitions, and idempotent completion. Every mutation
// appends to the audit trail before the instance is persisted.
type Manager struct {
	registry *schema.Registry
	store    InstanceStore
	logger   *zap.Logger

	// now is injectable for tests; all stamps are UTC.
	now func() time.Time

	// locks serializes mutations per instance ID. Cross-instance operations
	// never block each other.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a Manager.
func NewManager(registry *schema.Registry, store InstanceStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		registry: registry,
		store:    store,
		logger:   logger,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockInstance(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// CreateInstance creates a new form instance bound to (schemaID, version).
// An empty version binds the latest loaded version; the binding is permanent
// either way.
func (m *Manager) CreateInstance(ctx context.Context, schemaID, version, patientRef, facilityID string) (model.FormInstance, error) {
	var s model.Schema
	var ok bool
	if version == "" {
		s, ok = m.registry.Latest(schemaID)
	} else {
		s, ok = m.registry.Get(schemaID, version)
	}
	if !ok {
		return model.FormInstance{}, model.NewNotFoundError(
			fmt.Sprintf("schema %q version %q not found", schemaID, version),
		)
	}

	initial := s.InitialState()
	if initial == nil {
		return model.FormInstance{}, model.NewSchemaError(
			fmt.Sprintf("schema %s has no states", s.Key()),
		)
	}

	now := m.now().UTC()
	inst := model.FormInstance{
		ID:             uuid.New().String(),
		SchemaID:       s.ID,
		SchemaVersion:  s.Version,
		PatientRef:     patientRef,
		FacilityID:     facilityID,
		CurrentStateID: initial.ID,
		Status:         model.InstanceStatusDraft,
		Answers:        make(map[string]any),
		Calculated:     Derive(&s, map[string]any{}),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	ev := audit.NewFormCreate(model.ActorContextFrom(ctx), &inst, now)
	if err := m.store.CreateWithEvent(ctx, inst, ev); err != nil {
		return model.FormInstance{}, m.persistenceError("create instance", err)
	}

	m.logger.Info("form instance created",
		zap.String("instance_id", inst.ID),
		zap.String("schema", s.Key()),
		zap.String("initial_state", initial.ID),
	)
	return inst, nil
}

// Get returns a form instance.
func (m *Manager) Get(ctx context.Context, instanceID string) (model.FormInstance, error) {
	return m.store.Get(ctx, instanceID)
}

// SaveFieldValue validates and records one answer. A hard validation failure
// is a structured result, not an error: the prior value is retained and
// reported back. A successful write re-derives every calculated output and
// appends a field_change event carrying both old and new values.
func (m *Manager) SaveFieldValue(ctx context.Context, instanceID, fieldID string, value any) (model.SaveResult, error) {
	unlock := m.lockInstance(instanceID)
	defer unlock()

	inst, err := m.store.Get(ctx, instanceID)
	if err != nil {
		return model.SaveResult{}, err
	}
	if inst.Status != model.InstanceStatusDraft {
		return model.SaveResult{}, model.NewConflictError(
			fmt.Sprintf("form instance %q is %s; answers are frozen", instanceID, inst.Status),
		)
	}

	s, ok := m.registry.Get(inst.SchemaID, inst.SchemaVersion)
	if !ok {
		return model.SaveResult{}, model.NewSchemaError(
			fmt.Sprintf("schema %s is no longer loaded", model.SchemaKey(inst.SchemaID, inst.SchemaVersion)),
		)
	}

	f := s.Field(fieldID)
	if f == nil {
		return model.SaveResult{}, model.NewBadRequestError(
			fmt.Sprintf("field %q is not defined by schema %s", fieldID, s.Key()),
		)
	}

	errs, warns := CheckField(f, value)
	if len(errs) > 0 {
		return model.SaveResult{Success: false, FieldID: fieldID, Errors: errs}, nil
	}

	old, _ := inst.Answer(fieldID)
	inst.Answers[fieldID] = value
	inst.Calculated = Derive(&s, inst.Answers)
	inst.UpdatedAt = m.now().UTC()

	ev := audit.NewFieldChange(model.ActorContextFrom(ctx), inst.ID, fieldID, old, value, inst.UpdatedAt)
	if err := m.store.UpdateWithEvent(ctx, inst, ev); err != nil {
		return model.SaveResult{}, m.persistenceError("save field value", err)
	}

	calc := inst.Calculated
	return model.SaveResult{
		Success:    true,
		FieldID:    fieldID,
		Warnings:   warns,
		Calculated: &calc,
	}, nil
}

// TransitionState requests a workflow transition. A blocked transition is a
// structured verdict with a nil error; only infrastructure failures surface
// as errors.
func (m *Manager) TransitionState(ctx context.Context, instanceID, target string) (model.TransitionDecision, error) {
	unlock := m.lockInstance(instanceID)
	defer unlock()

	inst, err := m.store.Get(ctx, instanceID)
	if err != nil {
		return model.TransitionDecision{}, err
	}
	if inst.Status != model.InstanceStatusDraft {
		return model.TransitionDecision{}, model.NewConflictError(
			fmt.Sprintf("form instance %q is %s; workflow is frozen", instanceID, inst.Status),
		)
	}

	s, ok := m.registry.Get(inst.SchemaID, inst.SchemaVersion)
	if !ok {
		return model.TransitionDecision{}, model.NewSchemaError(
			fmt.Sprintf("schema %s is no longer loaded", model.SchemaKey(inst.SchemaID, inst.SchemaVersion)),
		)
	}

	decision := workflow.Decide(&s, &inst, target)
	if !decision.Allowed {
		m.logger.Info("transition blocked",
			zap.String("instance_id", inst.ID),
			zap.String("from", decision.FromState),
			zap.String("to", decision.ToState),
			zap.String("reason", decision.Reason),
		)
		return decision, nil
	}

	now := m.now().UTC()
	actor := model.ActorContextFrom(ctx)

	var ev model.AuditEvent
	if decision.Bypassed {
		current := s.State(inst.CurrentStateID)
		skipped := workflow.MissingRequiredFields(&s, current, inst.Answers)
		ev = audit.NewBypass(actor, inst.ID, decision.FromState, decision.ToState, skipped, now)
	} else {
		ev = audit.NewStateTransition(actor, inst.ID, decision.FromState, decision.ToState, now)
	}
	inst.CurrentStateID = target
	inst.UpdatedAt = now
	if err := m.store.UpdateWithEvent(ctx, inst, ev); err != nil {
		return model.TransitionDecision{}, m.persistenceError("transition instance", err)
	}

	return decision, nil
}

// NextSection advances the encounter to the nearest forward workflow state
// among the current state's allowed transitions, by step order. It is a
// navigation convenience over TransitionState; every guard and required-field
// check still applies.
func (m *Manager) NextSection(ctx context.Context, instanceID string) (model.TransitionDecision, error) {
	return m.transitionAdjacent(ctx, instanceID, true)
}

// PreviousSection moves the encounter to the nearest backward workflow state
// the schema allows. Protocols that forbid going back simply declare no
// backward transition and the move is refused.
func (m *Manager) PreviousSection(ctx context.Context, instanceID string) (model.TransitionDecision, error) {
	return m.transitionAdjacent(ctx, instanceID, false)
}

func (m *Manager) transitionAdjacent(ctx context.Context, instanceID string, forward bool) (model.TransitionDecision, error) {
	inst, err := m.store.Get(ctx, instanceID)
	if err != nil {
		return model.TransitionDecision{}, err
	}

	s, ok := m.registry.Get(inst.SchemaID, inst.SchemaVersion)
	if !ok {
		return model.TransitionDecision{}, model.NewSchemaError(
			fmt.Sprintf("schema %s is no longer loaded", model.SchemaKey(inst.SchemaID, inst.SchemaVersion)),
		)
	}

	current := s.State(inst.CurrentStateID)
	if current == nil {
		return model.TransitionDecision{}, model.NewSchemaError(
			fmt.Sprintf("state %q is not defined by schema %s", inst.CurrentStateID, s.Key()),
		)
	}

	target := workflow.AdjacentTarget(&s, current, forward)
	if target == "" {
		direction := "forward"
		if !forward {
			direction = "backward"
		}
		return model.TransitionDecision{
			Allowed:   false,
			Reason:    model.ErrInvalidTransition,
			Message:   fmt.Sprintf("state %q has no %s transition", current.ID, direction),
			FromState: current.ID,
		}, nil
	}
	return m.TransitionState(ctx, instanceID, target)
}

// CompleteForm finalizes an encounter. It is idempotent: completing an
// already-completed instance returns it unchanged. Completion requires the
// instance to be in a terminal state with every applicable required field
// answered; the final derivation is recomputed and frozen on the instance.
func (m *Manager) CompleteForm(ctx context.Context, instanceID string) (model.FormInstance, error) {
	unlock := m.lockInstance(instanceID)
	defer unlock()

	inst, err := m.store.Get(ctx, instanceID)
	if err != nil {
		return model.FormInstance{}, err
	}
	if inst.Status != model.InstanceStatusDraft {
		return inst, nil
	}

	s, ok := m.registry.Get(inst.SchemaID, inst.SchemaVersion)
	if !ok {
		return model.FormInstance{}, model.NewSchemaError(
			fmt.Sprintf("schema %s is no longer loaded", model.SchemaKey(inst.SchemaID, inst.SchemaVersion)),
		)
	}

	if !s.IsTerminal(inst.CurrentStateID) {
		return model.FormInstance{}, &model.ErrorEnvelope{
			Code:    model.ErrInvalidTransition,
			Message: fmt.Sprintf("state %q is not terminal; the encounter is not finished", inst.CurrentStateID),
		}
	}

	if missing := workflow.MissingForCompletion(&s, inst.Answers); len(missing) > 0 {
		details := make([]model.FieldError, 0, len(missing))
		for _, fid := range missing {
			msg := "required field is not answered"
			if f := s.Field(fid); f != nil && f.RequiredMessage != "" {
				msg = f.RequiredMessage
			}
			details = append(details, model.FieldError{Field: fid, Code: "REQUIRED", Message: msg})
		}
		return model.FormInstance{}, &model.ErrorEnvelope{
			Code:    model.ErrMissingRequiredFields,
			Message: fmt.Sprintf("%d required field(s) must be answered before completion", len(missing)),
			Details: details,
		}
	}

	now := m.now().UTC()
	inst.Calculated = Derive(&s, inst.Answers)
	inst.Status = model.InstanceStatusCompleted
	inst.CompletedAt = &now
	inst.SyncStatus = model.SyncStatusPending
	inst.UpdatedAt = now

	ev := audit.NewFormComplete(model.ActorContextFrom(ctx), &inst, now)
	if err := m.store.UpdateWithEvent(ctx, inst, ev); err != nil {
		return model.FormInstance{}, m.persistenceError("complete instance", err)
	}

	m.logger.Info("form instance completed",
		zap.String("instance_id", inst.ID),
		zap.String("triage_priority", inst.Calculated.TriagePriority),
		zap.Bool("fallback", inst.Calculated.Fallback),
	)
	return inst, nil
}

// GetClinicalSummary produces the read-only clinical output of an instance.
func (m *Manager) GetClinicalSummary(ctx context.Context, instanceID string) (model.ClinicalSummary, error) {
	inst, err := m.store.Get(ctx, instanceID)
	if err != nil {
		return model.ClinicalSummary{}, err
	}
	s, ok := m.registry.Get(inst.SchemaID, inst.SchemaVersion)
	if !ok {
		return model.ClinicalSummary{}, model.NewSchemaError(
			fmt.Sprintf("schema %s is no longer loaded", model.SchemaKey(inst.SchemaID, inst.SchemaVersion)),
		)
	}

	sum := model.ClinicalSummary{
		InstanceID:     inst.ID,
		SchemaID:       inst.SchemaID,
		SchemaVersion:  inst.SchemaVersion,
		TriagePriority: inst.Calculated.TriagePriority,
		MatchedRuleID:  inst.Calculated.MatchedRuleID,
		CompletedAt:    inst.CompletedAt,
	}

	for i := range s.Calculated {
		id := s.Calculated[i].ID
		if v, ok := inst.Calculated.Fields[id]; ok {
			if flag, ok := v.(bool); ok && flag {
				sum.DangerSigns = append(sum.DangerSigns, id)
			}
		}
	}

	for i := range s.Fields {
		f := &s.Fields[i]
		if f.Type != model.FieldTypeNumber && f.Type != model.FieldTypeTimer {
			continue
		}
		if v, ok := inst.Answer(f.ID); ok && v != nil {
			if sum.Measurements == nil {
				sum.Measurements = make(map[string]any)
			}
			sum.Measurements[f.ID] = v
		}
	}

	if inst.Calculated.MatchedRuleID != "" {
		for i := range s.TriageRules {
			if s.TriageRules[i].ID == inst.Calculated.MatchedRuleID {
				sum.Actions = s.TriageRules[i].Actions
				break
			}
		}
	}

	return sum, nil
}

// Project builds the presentation view of an instance: the fields visible
// under the current answers, their enablement, and overall progress. A stale
// schema version degrades to a warning on the projection, never an error.
func (m *Manager) Project(ctx context.Context, instanceID string) (model.Projection, error) {
	inst, err := m.store.Get(ctx, instanceID)
	if err != nil {
		return model.Projection{}, err
	}
	s, ok := m.registry.Get(inst.SchemaID, inst.SchemaVersion)
	if !ok {
		return model.Projection{}, model.NewSchemaError(
			fmt.Sprintf("schema %s is no longer loaded", model.SchemaKey(inst.SchemaID, inst.SchemaVersion)),
		)
	}

	p := model.Projection{
		Instance:       inst,
		SchemaName:     s.Name,
		TriagePriority: inst.Calculated.TriagePriority,
		SchemaWarning:  schema.StaleVersionWarning(m.registry, inst.SchemaID, inst.SchemaVersion),
	}
	if st := s.State(inst.CurrentStateID); st != nil {
		p.CurrentState = *st
		for _, fid := range workflow.MissingRequiredFields(&s, st, inst.Answers) {
			msg := "required field is not answered"
			if f := s.Field(fid); f != nil && f.RequiredMessage != "" {
				msg = f.RequiredMessage
			}
			p.ValidationErrors = append(p.ValidationErrors, model.FieldError{
				Field: fid, Code: "REQUIRED", Message: msg,
			})
		}
	}
	for i := range s.Sections {
		if s.Sections[i].StateID == inst.CurrentStateID {
			p.CurrentSection = &s.Sections[i]
			break
		}
	}

	answered := 0
	visible := 0
	for i := range s.Fields {
		f := &s.Fields[i]
		if f.Type == model.FieldTypeCalculated {
			continue
		}
		if !workflow.Applicable(&s, f.ID, inst.Answers) {
			continue
		}
		visible++
		v, has := inst.Answer(f.ID)
		if has && v != nil {
			answered++
		}
		p.VisibleFields = append(p.VisibleFields, model.VisibleField{
			Definition: *f,
			Value:      v,
			Answered:   has && v != nil,
			Enabled:    condition.Evaluate(f.EnabledIf, inst.Answers),
		})
	}
	if visible > 0 {
		p.ProgressPercent = answered * 100 / visible
	}

	return p, nil
}

// Events returns an instance's full audit trail.
func (m *Manager) Events(ctx context.Context, instanceID string) ([]model.AuditEvent, error) {
	return m.store.GetEvents(ctx, instanceID)
}

// VerifyTrail replays an instance's audit trail and compares the result
// against the live record. An empty string means the trail and the instance
// agree; anything else is a divergence description for the operator.
func (m *Manager) VerifyTrail(ctx context.Context, instanceID string) (string, error) {
	inst, err := m.store.Get(ctx, instanceID)
	if err != nil {
		return "", err
	}
	events, err := m.store.GetEvents(ctx, instanceID)
	if err != nil {
		return "", err
	}
	return audit.Diverges(audit.Replay(events), &inst), nil
}

// RecordSyncOutcome updates an instance's transfer bookkeeping after a sync
// attempt. Only sync fields change; answers, calculated state, and the audit
// trail are untouchable from the sync path.
func (m *Manager) RecordSyncOutcome(ctx context.Context, instanceID string, outcome model.SyncRecord, synced bool) error {
	unlock := m.lockInstance(instanceID)
	defer unlock()

	inst, err := m.store.Get(ctx, instanceID)
	if err != nil {
		return err
	}

	now := m.now().UTC()
	inst.SyncAttempts = outcome.Attempts
	if synced {
		inst.Status = model.InstanceStatusSynced
		inst.SyncStatus = model.SyncStatusSynced
		inst.SyncError = ""
		inst.SyncedAt = &now
	} else {
		inst.SyncStatus = model.SyncStatusError
		inst.SyncError = outcome.LastError
	}
	inst.UpdatedAt = now

	if err := m.store.Update(ctx, inst); err != nil {
		return m.persistenceError("record sync outcome", err)
	}
	return nil
}

// List returns instances by status, oldest first.
func (m *Manager) List(ctx context.Context, status string, limit int) ([]model.FormInstance, error) {
	return m.store.FindByStatus(ctx, status, limit)
}

// persistenceError passes engine errors through and wraps infrastructure
// failures as PERSISTENCE_UNAVAILABLE so the transport layer can signal
// read-only degraded mode instead of a generic 500.
func (m *Manager) persistenceError(op string, err error) error {
	if env, ok := err.(*model.ErrorEnvelope); ok {
		return env
	}
	m.logger.Error("persistence failure", zap.String("op", op), zap.Error(err))
	return model.NewPersistenceUnavailableError(
		fmt.Sprintf("%s: storage is unavailable; the encounter is preserved locally", op),
	)
}
