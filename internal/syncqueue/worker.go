package syncqueue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/afya/model"
)

// InstanceSource is the slice of the instance layer the worker needs: load
// an instance with its trail, list pending work on startup, and record sync
// outcomes. Outcome updates touch only sync bookkeeping fields.
type InstanceSource interface {
	Get(ctx context.Context, instanceID string) (model.FormInstance, error)
	Events(ctx context.Context, instanceID string) ([]model.AuditEvent, error)
	List(ctx context.Context, status string, limit int) ([]model.FormInstance, error)
	RecordSyncOutcome(ctx context.Context, instanceID string, outcome model.SyncRecord, synced bool) error
}

// Worker drains the queue in the background. Context deadlines apply only to
// the network leg; local reads and bookkeeping run to completion so a
// cancelled push can never leave a record half-updated.
type Worker struct {
	queue     *Queue
	source    InstanceSource
	transport Transport
	logger    *zap.Logger

	interval    time.Duration
	batchSize   int
	pushTimeout time.Duration
}

// NewWorker creates a background sync worker.
func NewWorker(queue *Queue, source InstanceSource, transport Transport, logger *zap.Logger, interval time.Duration, batchSize int) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Worker{
		queue:       queue,
		source:      source,
		transport:   transport,
		logger:      logger,
		interval:    interval,
		batchSize:   batchSize,
		pushTimeout: 30 * time.Second,
	}
}

// Restore reloads persisted queue state and re-enqueues any completed
// instances the queue does not know about, so neither a device restart nor a
// crash between completion and enqueue loses a transfer.
func (w *Worker) Restore(ctx context.Context) error {
	if err := w.queue.Load(ctx); err != nil {
		return err
	}

	completed, err := w.source.List(ctx, model.InstanceStatusCompleted, 0)
	if err != nil {
		return err
	}
	for i := range completed {
		inst := completed[i]
		if inst.SyncStatus == model.SyncStatusSynced {
			continue
		}
		if err := w.queue.Enqueue(ctx, &inst); err != nil {
			if _, ok := err.(*model.ErrorEnvelope); ok {
				continue
			}
			return err
		}
	}

	w.logger.Info("sync queue restored", zap.Int("depth", w.queue.Depth()))
	return nil
}

// Run drains the queue on a ticker until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sync worker stopping")
			return
		case <-ticker.C:
			w.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch pushes one batch of eligible records, most urgent first.
func (w *Worker) ProcessBatch(ctx context.Context) {
	batch := w.queue.DequeueBatch(w.batchSize)
	for _, rec := range batch {
		if ctx.Err() != nil {
			return
		}
		w.processOne(ctx, rec)
	}
}

func (w *Worker) processOne(ctx context.Context, rec model.SyncRecord) {
	inst, err := w.source.Get(ctx, rec.InstanceID)
	if err != nil {
		w.logger.Error("sync: load instance failed",
			zap.String("instance_id", rec.InstanceID), zap.Error(err))
		_ = w.queue.Fail(ctx, rec.InstanceID, err.Error())
		return
	}
	if inst.SyncStatus == model.SyncStatusSynced {
		// Already transferred, e.g. acknowledged by a peer replica.
		_ = w.queue.Ack(ctx, rec.InstanceID)
		return
	}

	events, err := w.source.Events(ctx, rec.InstanceID)
	if err != nil {
		w.logger.Error("sync: load events failed",
			zap.String("instance_id", rec.InstanceID), zap.Error(err))
		_ = w.queue.Fail(ctx, rec.InstanceID, err.Error())
		return
	}

	pushCtx, cancel := context.WithTimeout(ctx, w.pushTimeout)
	err = w.transport.Push(pushCtx, inst, events)
	cancel()

	if err != nil {
		w.logger.Warn("sync push failed",
			zap.String("instance_id", rec.InstanceID),
			zap.String("triage_priority", rec.TriagePriority),
			zap.Int("attempts", rec.Attempts+1),
			zap.Error(err),
		)
		if ferr := w.queue.Fail(ctx, rec.InstanceID, err.Error()); ferr != nil {
			w.logger.Error("sync: record failure", zap.Error(ferr))
		}
		_ = w.source.RecordSyncOutcome(ctx, rec.InstanceID, model.SyncRecord{
			InstanceID: rec.InstanceID,
			Attempts:   rec.Attempts + 1,
			LastError:  err.Error(),
		}, false)
		return
	}

	if err := w.queue.Ack(ctx, rec.InstanceID); err != nil {
		w.logger.Error("sync: ack failed",
			zap.String("instance_id", rec.InstanceID), zap.Error(err))
		return
	}
	if err := w.source.RecordSyncOutcome(ctx, rec.InstanceID, model.SyncRecord{
		InstanceID: rec.InstanceID,
		Attempts:   rec.Attempts + 1,
	}, true); err != nil {
		w.logger.Error("sync: record outcome failed",
			zap.String("instance_id", rec.InstanceID), zap.Error(err))
	}

	w.logger.Info("encounter synced",
		zap.String("instance_id", rec.InstanceID),
		zap.String("triage_priority", rec.TriagePriority),
	)
}
