package syncqueue

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/afya/model"
)

// fakeSource is an in-memory InstanceSource capturing sync outcomes.
type fakeSource struct {
	mu        sync.Mutex
	instances map[string]model.FormInstance
	events    map[string][]model.AuditEvent
	outcomes  []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		instances: make(map[string]model.FormInstance),
		events:    make(map[string][]model.AuditEvent),
	}
}

func (f *fakeSource) add(inst model.FormInstance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[inst.ID] = inst
}

func (f *fakeSource) Get(_ context.Context, id string) (model.FormInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return model.FormInstance{}, model.NewNotFoundError("not found")
	}
	return inst, nil
}

func (f *fakeSource) Events(_ context.Context, id string) ([]model.AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[id], nil
}

func (f *fakeSource) List(_ context.Context, status string, _ int) ([]model.FormInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.FormInstance
	for _, inst := range f.instances {
		if inst.Status == status {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (f *fakeSource) RecordSyncOutcome(_ context.Context, id string, outcome model.SyncRecord, synced bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst := f.instances[id]
	inst.SyncAttempts = outcome.Attempts
	if synced {
		inst.Status = model.InstanceStatusSynced
		inst.SyncStatus = model.SyncStatusSynced
		f.outcomes = append(f.outcomes, id+":synced")
	} else {
		inst.SyncStatus = model.SyncStatusError
		inst.SyncError = outcome.LastError
		f.outcomes = append(f.outcomes, id+":error")
	}
	f.instances[id] = inst
	return nil
}

// fakeTransport fails per-instance on demand and records push order.
type fakeTransport struct {
	mu     sync.Mutex
	fail   map[string]error
	pushed []string
}

func (f *fakeTransport) Push(_ context.Context, inst model.FormInstance, _ []model.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[inst.ID]; err != nil {
		return err
	}
	f.pushed = append(f.pushed, inst.ID)
	return nil
}

func TestWorker_pushes_urgent_cases_first(t *testing.T) {
	q, _ := newTestQueue()
	src := newFakeSource()
	tr := &fakeTransport{}
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)

	for _, c := range []struct {
		id, priority string
		done         time.Time
	}{
		{"yellow-1", model.PriorityYellow, base},
		{"red-1", model.PriorityRed, base.Add(time.Minute)},
		{"green-1", model.PriorityGreen, base.Add(2 * time.Minute)},
	} {
		inst := syncable(c.id, c.priority, c.done)
		inst.SyncStatus = model.SyncStatusPending
		src.add(*inst)
		require.NoError(t, q.Enqueue(ctx, inst))
	}

	w := NewWorker(q, src, tr, nil, time.Second, 10)
	w.ProcessBatch(ctx)

	assert.Equal(t, []string{"red-1", "yellow-1", "green-1"}, tr.pushed)
	assert.Equal(t, 0, q.Depth())

	got, _ := src.Get(ctx, "red-1")
	assert.Equal(t, model.SyncStatusSynced, got.SyncStatus)
	assert.Equal(t, model.InstanceStatusSynced, got.Status)
}

func TestWorker_failure_retains_record_and_marks_error(t *testing.T) {
	q, _ := newTestQueue()
	src := newFakeSource()
	tr := &fakeTransport{fail: map[string]error{
		"a": errors.New("connection refused"),
	}}
	ctx := context.Background()

	inst := syncable("a", model.PriorityRed, time.Now().UTC())
	inst.SyncStatus = model.SyncStatusPending
	src.add(*inst)
	require.NoError(t, q.Enqueue(ctx, inst))

	w := NewWorker(q, src, tr, nil, time.Second, 10)
	w.ProcessBatch(ctx)

	assert.Equal(t, 1, q.Depth(), "failed transfer stays queued")
	got, _ := src.Get(ctx, "a")
	assert.Equal(t, model.SyncStatusError, got.SyncStatus)
	assert.Contains(t, got.SyncError, "connection refused")
	assert.Equal(t, 1, got.SyncAttempts)
	// The clinical record itself is intact.
	assert.Equal(t, model.InstanceStatusCompleted, got.Status)
}

func TestWorker_restore_rebuilds_queue(t *testing.T) {
	store := NewMemorySyncStateStore()
	q := NewQueue(store, DefaultBackoff)
	src := newFakeSource()
	ctx := context.Background()

	// One instance persisted in the state store, one completed instance the
	// queue never saw (crash between completion and enqueue).
	require.NoError(t, store.Save(ctx, testRecord("persisted")))
	src.add(*syncable("persisted", model.PriorityRed, time.Now().UTC()))

	orphan := syncable("orphan", model.PriorityYellow, time.Now().UTC())
	orphan.SyncStatus = model.SyncStatusPending
	src.add(*orphan)

	alreadySynced := syncable("done", model.PriorityGreen, time.Now().UTC())
	alreadySynced.SyncStatus = model.SyncStatusSynced
	src.add(*alreadySynced)

	w := NewWorker(q, src, &fakeTransport{}, nil, time.Second, 10)
	require.NoError(t, w.Restore(ctx))

	assert.Equal(t, 2, q.Depth(), "persisted + orphan, not the synced one")
}

func TestWorker_skips_already_synced_records(t *testing.T) {
	q, _ := newTestQueue()
	src := newFakeSource()
	tr := &fakeTransport{}
	ctx := context.Background()

	inst := syncable("a", model.PriorityRed, time.Now().UTC())
	require.NoError(t, q.Enqueue(ctx, inst))
	inst.SyncStatus = model.SyncStatusSynced
	src.add(*inst)

	w := NewWorker(q, src, tr, nil, time.Second, 10)
	w.ProcessBatch(ctx)

	assert.Empty(t, tr.pushed)
	assert.Equal(t, 0, q.Depth(), "stale record is acked away, not re-pushed")
}

func TestHTTPTransport_push(t *testing.T) {
	var gotPath string
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL+"/v1/encounters", srv.Client())
	tr.AuthToken = "token-123"

	inst := *syncable("a", model.PriorityRed, time.Now().UTC())
	err := tr.Push(context.Background(), inst, nil)
	require.NoError(t, err)
	assert.Equal(t, "/v1/encounters", gotPath)
	assert.Equal(t, "Bearer token-123", gotAuth)
}

func TestHTTPTransport_non_2xx_is_sync_error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, srv.Client())
	err := tr.Push(context.Background(), *syncable("a", model.PriorityRed, time.Now().UTC()), nil)

	require.Error(t, err)
	env, ok := err.(*model.ErrorEnvelope)
	require.True(t, ok)
	assert.Equal(t, model.ErrSyncError, env.Code)
}
