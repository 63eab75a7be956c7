package syncqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/afya/model"
)

// Backoff configures the retry schedule for failed transfers.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultBackoff is 30s doubling to a 30m ceiling.
var DefaultBackoff = Backoff{
	Initial:    30 * time.Second,
	Multiplier: 2,
	Max:        30 * time.Minute,
}

// Delay returns the wait before the given attempt number (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Queue is the severity-first transfer queue. Ordering is triage priority
// first (red before yellow before green), then completion time within a
// tier, so a later-completed critical case always moves ahead of earlier
// routine ones. Records survive restarts through the SyncStateStore and are
// removed only by Ack.
type Queue struct {
	store   SyncStateStore
	backoff Backoff
	now     func() time.Time

	mu      sync.Mutex
	records map[string]model.SyncRecord
}

// NewQueue creates a Queue backed by the given state store.
func NewQueue(store SyncStateStore, backoff Backoff) *Queue {
	return &Queue{
		store:   store,
		backoff: backoff,
		now:     time.Now,
		records: make(map[string]model.SyncRecord),
	}
}

// Load restores queue contents from the state store, called at startup so a
// restart never loses scheduled transfers.
func (q *Queue) Load(ctx context.Context) error {
	recs, err := q.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load sync records: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, rec := range recs {
		q.records[rec.InstanceID] = rec
	}
	return nil
}

// Enqueue schedules a completed instance for transfer. Only a completed
// instance with a triage classification is syncable; anything else is
// refused with NOT_SYNCABLE and the local record is untouched. Enqueueing an
// already-queued instance is a no-op so completion retries stay idempotent.
func (q *Queue) Enqueue(ctx context.Context, inst *model.FormInstance) error {
	if inst.Status != model.InstanceStatusCompleted &&
		inst.Status != model.InstanceStatusSubmitted {
		return model.NewNotSyncableError(
			fmt.Sprintf("form instance %q is %s; only completed encounters transfer", inst.ID, inst.Status),
		)
	}
	if inst.Calculated.TriagePriority == "" {
		return model.NewNotSyncableError(
			fmt.Sprintf("form instance %q has no triage classification", inst.ID),
		)
	}
	if inst.CompletedAt == nil {
		return model.NewNotSyncableError(
			fmt.Sprintf("form instance %q has no completion time", inst.ID),
		)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.records[inst.ID]; exists {
		return nil
	}

	rec := model.SyncRecord{
		InstanceID:     inst.ID,
		TriagePriority: inst.Calculated.TriagePriority,
		CompletedAt:    *inst.CompletedAt,
	}
	if err := q.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("persist sync record: %w", err)
	}
	q.records[inst.ID] = rec
	return nil
}

// DequeueBatch returns up to max records eligible for transfer now, most
// urgent first. Records waiting out a backoff window are skipped, not
// removed. The records stay queued until Ack or Fail.
func (q *Queue) DequeueBatch(max int) []model.SyncRecord {
	now := q.now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()

	eligible := make([]model.SyncRecord, 0, len(q.records))
	for _, rec := range q.records {
		if rec.NextAttempt != nil && rec.NextAttempt.After(now) {
			continue
		}
		eligible = append(eligible, rec)
	}

	sort.Slice(eligible, func(i, j int) bool {
		ri := model.SeverityRank(eligible[i].TriagePriority)
		rj := model.SeverityRank(eligible[j].TriagePriority)
		if ri != rj {
			return ri < rj
		}
		return eligible[i].CompletedAt.Before(eligible[j].CompletedAt)
	})

	if max > 0 && max < len(eligible) {
		eligible = eligible[:max]
	}
	return eligible
}

// Ack removes a record after the receiving system confirmed the transfer.
// This is the only way a record ever leaves the queue.
func (q *Queue) Ack(ctx context.Context, instanceID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Remove(ctx, instanceID); err != nil {
		return fmt.Errorf("remove sync record: %w", err)
	}
	delete(q.records, instanceID)
	return nil
}

// Fail records a transfer failure: the attempt count rises, the error is
// retained for review, and the record re-enters the queue behind an
// exponential backoff window. Failures never drop the record.
func (q *Queue) Fail(ctx context.Context, instanceID, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, exists := q.records[instanceID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("sync record %q not found", instanceID),
		)
	}

	rec.Attempts++
	rec.LastError = errMsg
	next := q.now().UTC().Add(q.backoff.Delay(rec.Attempts))
	rec.NextAttempt = &next

	if err := q.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("persist sync record: %w", err)
	}
	q.records[instanceID] = rec
	return nil
}

// Errors returns the records that have failed at least once, most urgent
// first, for the operator's review surface.
func (q *Queue) Errors() []model.SyncRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []model.SyncRecord
	for _, rec := range q.records {
		if rec.Attempts > 0 {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri := model.SeverityRank(out[i].TriagePriority)
		rj := model.SeverityRank(out[j].TriagePriority)
		if ri != rj {
			return ri < rj
		}
		return out[i].CompletedAt.Before(out[j].CompletedAt)
	})
	return out
}

// Depth returns the number of queued records.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}
