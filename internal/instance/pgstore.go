package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/afya/model"
)

// PgInstanceStore is a PostgreSQL-backed InstanceStore using pgx/v5. Answers,
// calculated state, and event payloads are stored as JSONB so the store never
// needs a migration when a schema adds fields.
type PgInstanceStore struct {
	pool *pgxpool.Pool
}

// NewPgInstanceStore creates a new PostgreSQL instance store.
func NewPgInstanceStore(pool *pgxpool.Pool) *PgInstanceStore {
	return &PgInstanceStore{pool: pool}
}

// HealthCheck verifies database connectivity.
func (s *PgInstanceStore) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

// pgExecer is satisfied by both *pgxpool.Pool and pgx.Tx, so the write
// statements run identically inside and outside a transaction.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Create inserts a new form instance.
func (s *PgInstanceStore) Create(ctx context.Context, inst model.FormInstance) error {
	return s.createIn(ctx, s.pool, inst)
}

// CreateWithEvent inserts a new form instance and its creation event in one
// transaction.
func (s *PgInstanceStore) CreateWithEvent(ctx context.Context, inst model.FormInstance, event model.AuditEvent) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.createIn(ctx, tx, inst); err != nil {
			return err
		}
		return s.appendEventIn(ctx, tx, event)
	})
}

func (s *PgInstanceStore) createIn(ctx context.Context, db pgExecer, inst model.FormInstance) error {
	answersJSON, calculatedJSON, err := marshalState(inst)
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx, `
		INSERT INTO form_instances (
			id, schema_id, schema_version, patient_ref, facility_id,
			current_state_id, status, answers, calculated,
			sync_status, sync_attempts, sync_error, version,
			created_at, updated_at, completed_at, synced_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17
		)`,
		inst.ID, inst.SchemaID, inst.SchemaVersion, inst.PatientRef, inst.FacilityID,
		inst.CurrentStateID, inst.Status, answersJSON, calculatedJSON,
		inst.SyncStatus, inst.SyncAttempts, inst.SyncError, inst.Version,
		inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt, inst.SyncedAt,
	)
	if err != nil {
		return fmt.Errorf("insert form instance: %w", err)
	}
	return nil
}

// Get retrieves a form instance by ID.
func (s *PgInstanceStore) Get(ctx context.Context, instanceID string) (model.FormInstance, error) {
	row := s.pool.QueryRow(ctx, selectInstance+` WHERE id = $1`, instanceID)

	inst, err := scanInstance(row)
	if err == pgx.ErrNoRows {
		return model.FormInstance{}, model.NewNotFoundError(
			fmt.Sprintf("form instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.FormInstance{}, fmt.Errorf("query form instance: %w", err)
	}
	return inst, nil
}

// Update persists an updated instance with optimistic locking.
func (s *PgInstanceStore) Update(ctx context.Context, inst model.FormInstance) error {
	return s.updateIn(ctx, s.pool, inst)
}

// UpdateWithEvent persists the instance and appends the mutation's audit
// event in one transaction: a version conflict rolls back the event insert,
// and an event insert failure rolls back the instance row.
func (s *PgInstanceStore) UpdateWithEvent(ctx context.Context, inst model.FormInstance, event model.AuditEvent) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.updateIn(ctx, tx, inst); err != nil {
			return err
		}
		return s.appendEventIn(ctx, tx, event)
	})
}

func (s *PgInstanceStore) updateIn(ctx context.Context, db pgExecer, inst model.FormInstance) error {
	answersJSON, calculatedJSON, err := marshalState(inst)
	if err != nil {
		return err
	}

	tag, err := db.Exec(ctx, `
		UPDATE form_instances SET
			current_state_id = $1,
			status = $2,
			answers = $3,
			calculated = $4,
			sync_status = $5,
			sync_attempts = $6,
			sync_error = $7,
			version = $8,
			updated_at = $9,
			completed_at = $10,
			synced_at = $11
		WHERE id = $12 AND version = $13`,
		inst.CurrentStateID, inst.Status, answersJSON, calculatedJSON,
		inst.SyncStatus, inst.SyncAttempts, inst.SyncError, inst.Version+1,
		time.Now().UTC(), inst.CompletedAt, inst.SyncedAt,
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update form instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("form instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	return nil
}

// AppendEvent adds an event to the instance's audit trail. The audit_events
// table has no UPDATE or DELETE path anywhere in the codebase.
func (s *PgInstanceStore) AppendEvent(ctx context.Context, event model.AuditEvent) error {
	return s.appendEventIn(ctx, s.pool, event)
}

func (s *PgInstanceStore) appendEventIn(ctx context.Context, db pgExecer, event model.AuditEvent) error {
	oldJSON, err := json.Marshal(event.OldValue)
	if err != nil {
		return fmt.Errorf("marshal old value: %w", err)
	}
	newJSON, err := json.Marshal(event.NewValue)
	if err != nil {
		return fmt.Errorf("marshal new value: %w", err)
	}
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = db.Exec(ctx, `
		INSERT INTO audit_events (
			id, instance_id, kind, actor_id, device_id,
			field_id, old_value, new_value, from_state, to_state,
			payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		event.ID, event.InstanceID, event.Kind, event.ActorID, event.DeviceID,
		event.FieldID, oldJSON, newJSON, event.FromState, event.ToState,
		payloadJSON, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// GetEvents retrieves all events for an instance in append order.
func (s *PgInstanceStore) GetEvents(ctx context.Context, instanceID string) ([]model.AuditEvent, error) {
	if _, err := s.Get(ctx, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, kind, actor_id, device_id,
		       field_id, old_value, new_value, from_state, to_state,
		       payload, created_at
		FROM audit_events
		WHERE instance_id = $1
		ORDER BY created_at ASC, id ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var evt model.AuditEvent
		var oldJSON, newJSON, payloadJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.InstanceID, &evt.Kind, &evt.ActorID, &evt.DeviceID,
			&evt.FieldID, &oldJSON, &newJSON, &evt.FromState, &evt.ToState,
			&payloadJSON, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if oldJSON != nil {
			_ = json.Unmarshal(oldJSON, &evt.OldValue)
		}
		if newJSON != nil {
			_ = json.Unmarshal(newJSON, &evt.NewValue)
		}
		if payloadJSON != nil {
			_ = json.Unmarshal(payloadJSON, &evt.Payload)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// FindByStatus returns instances with the given status, oldest first.
func (s *PgInstanceStore) FindByStatus(ctx context.Context, status string, limit int) ([]model.FormInstance, error) {
	return s.findBy(ctx, "status", status, limit)
}

// FindBySyncStatus returns instances with the given sync status, oldest first.
func (s *PgInstanceStore) FindBySyncStatus(ctx context.Context, syncStatus string, limit int) ([]model.FormInstance, error) {
	return s.findBy(ctx, "sync_status", syncStatus, limit)
}

func (s *PgInstanceStore) findBy(ctx context.Context, column, value string, limit int) ([]model.FormInstance, error) {
	query := selectInstance + fmt.Sprintf(" WHERE %s = $1 ORDER BY created_at ASC", column)
	args := []any{value}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query form instances: %w", err)
	}
	defer rows.Close()

	var instances []model.FormInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan form instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

const selectInstance = `
	SELECT id, schema_id, schema_version, patient_ref, facility_id,
	       current_state_id, status, answers, calculated,
	       sync_status, sync_attempts, sync_error, version,
	       created_at, updated_at, completed_at, synced_at
	FROM form_instances`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (model.FormInstance, error) {
	var inst model.FormInstance
	var answersJSON, calculatedJSON []byte

	err := row.Scan(
		&inst.ID, &inst.SchemaID, &inst.SchemaVersion, &inst.PatientRef, &inst.FacilityID,
		&inst.CurrentStateID, &inst.Status, &answersJSON, &calculatedJSON,
		&inst.SyncStatus, &inst.SyncAttempts, &inst.SyncError, &inst.Version,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.CompletedAt, &inst.SyncedAt,
	)
	if err != nil {
		return model.FormInstance{}, err
	}

	if answersJSON != nil {
		if err := json.Unmarshal(answersJSON, &inst.Answers); err != nil {
			return model.FormInstance{}, fmt.Errorf("unmarshal answers: %w", err)
		}
	}
	if calculatedJSON != nil {
		if err := json.Unmarshal(calculatedJSON, &inst.Calculated); err != nil {
			return model.FormInstance{}, fmt.Errorf("unmarshal calculated: %w", err)
		}
	}
	return inst, nil
}

func marshalState(inst model.FormInstance) (answersJSON, calculatedJSON []byte, err error) {
	answersJSON, err = json.Marshal(inst.Answers)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal answers: %w", err)
	}
	calculatedJSON, err = json.Marshal(inst.Calculated)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal calculated: %w", err)
	}
	return answersJSON, calculatedJSON, nil
}
