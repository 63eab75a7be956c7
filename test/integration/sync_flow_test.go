package integration

import (
	"context"
	"net/http"
	"testing"

	"github.com/pitabwire/afya/model"
)

// completeEncounter drives a full encounter through every state over HTTP.
// respiratoryRate controls the triage outcome: 45 at 18 months classifies
// yellow, 30 classifies green, and chestIndrawing forces red.
func completeEncounter(t *testing.T, h *TestHarness, token string, respiratoryRate float64, chestIndrawing bool) model.FormInstance {
	t.Helper()

	inst := createEncounter(t, h, token)
	answerDangerSigns(t, h, token, inst.ID)
	if d, status := transition(t, h, token, inst.ID, "assessment"); status != http.StatusOK {
		t.Fatalf("to assessment: %+v", d)
	}

	saveField(t, h, token, inst.ID, "has_cough", true)
	saveField(t, h, token, inst.ID, "cough_days", 3)
	saveField(t, h, token, inst.ID, "respiratory_rate", respiratoryRate)
	saveField(t, h, token, inst.ID, "chest_indrawing", chestIndrawing)

	if d, status := transition(t, h, token, inst.ID, "classification"); status != http.StatusOK {
		t.Fatalf("to classification: %+v", d)
	}
	if d, status := transition(t, h, token, inst.ID, "treatment"); status != http.StatusOK {
		t.Fatalf("to treatment: %+v", d)
	}

	var completed model.FormInstance
	h.AssertJSON(t, h.POST("/encounters/"+inst.ID+"/complete", nil, token), http.StatusOK, &completed)
	return completed
}

func TestSyncFlow_completedEncounterReachesReceiver(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(CHWClaims())

	completed := completeEncounter(t, h, token, 45, false)
	if h.Queue.Depth() != 1 {
		t.Fatalf("queue depth = %d, want 1 after completion", h.Queue.Depth())
	}

	h.DrainSyncQueue()

	received := h.Receiver.Received()
	if len(received) != 1 {
		t.Fatalf("receiver got %d encounters, want 1", len(received))
	}
	if received[0].Instance.ID != completed.ID {
		t.Errorf("pushed instance = %q, want %q", received[0].Instance.ID, completed.ID)
	}
	if len(received[0].Events) == 0 {
		t.Error("pushed payload carries no audit events")
	}

	// The local record survives the transfer, now marked synced.
	var proj model.Projection
	h.AssertJSON(t, h.GET("/encounters/"+completed.ID, token), http.StatusOK, &proj)
	if proj.Instance.SyncStatus != model.SyncStatusSynced {
		t.Errorf("sync status = %q, want synced", proj.Instance.SyncStatus)
	}
	if proj.Instance.SyncedAt == nil {
		t.Error("synced_at not set")
	}
	if proj.Instance.Answers["respiratory_rate"] != 45.0 {
		t.Error("clinical answers changed during sync")
	}
	if h.Queue.Depth() != 0 {
		t.Errorf("queue depth = %d after ack, want 0", h.Queue.Depth())
	}
}

func TestSyncFlow_criticalCasesTransferFirst(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(CHWClaims())

	// Completed in severity-ascending order; transfer must invert it.
	green := completeEncounter(t, h, token, 30, false)
	yellow := completeEncounter(t, h, token, 45, false)
	red := completeEncounter(t, h, token, 38, true)

	h.DrainSyncQueue()

	received := h.Receiver.Received()
	if len(received) != 3 {
		t.Fatalf("receiver got %d encounters, want 3", len(received))
	}
	want := []string{red.ID, yellow.ID, green.ID}
	for i, exp := range want {
		if received[i].Instance.ID != exp {
			t.Errorf("transfer[%d] = %q (%s), want %q",
				i, received[i].Instance.ID, received[i].Instance.Calculated.TriagePriority, exp)
		}
	}
}

func TestSyncFlow_failureRetainsRecordAndRetries(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(CHWClaims())

	completed := completeEncounter(t, h, token, 45, false)

	h.Receiver.SetFailing(true)
	h.DrainSyncQueue()

	// The push failed: nothing delivered, nothing lost.
	if got := len(h.Receiver.Received()); got != 0 {
		t.Fatalf("receiver got %d encounters while failing, want 0", got)
	}
	if h.Queue.Depth() != 1 {
		t.Fatalf("queue depth = %d after failure, want 1", h.Queue.Depth())
	}

	errored := h.Queue.Errors()
	if len(errored) != 1 || errored[0].InstanceID != completed.ID {
		t.Fatalf("errors = %+v, want the failed record", errored)
	}
	if errored[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", errored[0].Attempts)
	}
	if errored[0].LastError == "" {
		t.Error("last error not recorded")
	}

	// The failure shows on the instance and on the operator surface.
	var proj model.Projection
	h.AssertJSON(t, h.GET("/encounters/"+completed.ID, token), http.StatusOK, &proj)
	if proj.Instance.SyncStatus != model.SyncStatusError {
		t.Errorf("sync status = %q, want error", proj.Instance.SyncStatus)
	}
	if proj.Instance.Answers["respiratory_rate"] != 45.0 {
		t.Error("clinical answers changed on sync failure")
	}

	var status struct {
		Depth   int `json:"depth"`
		Errored int `json:"errored"`
	}
	h.AssertJSON(t, h.GET("/sync/status", token), http.StatusOK, &status)
	if status.Depth != 1 || status.Errored != 1 {
		t.Errorf("sync status = %+v, want depth 1 errored 1", status)
	}

	var errBody struct {
		Data  []model.SyncRecord `json:"data"`
		Count int                `json:"count"`
	}
	h.AssertJSON(t, h.GET("/sync/errors", token), http.StatusOK, &errBody)
	if errBody.Count != 1 {
		t.Errorf("sync errors count = %d, want 1", errBody.Count)
	}

	// Once the uplink returns, the retry drains the backlog.
	h.Receiver.SetFailing(false)
	h.DrainSyncQueue()

	if got := len(h.Receiver.Received()); got != 1 {
		t.Fatalf("receiver got %d encounters after recovery, want 1", got)
	}
	if h.Queue.Depth() != 0 {
		t.Errorf("queue depth = %d after recovery, want 0", h.Queue.Depth())
	}
	h.AssertJSON(t, h.GET("/encounters/"+completed.ID, token), http.StatusOK, &proj)
	if proj.Instance.SyncStatus != model.SyncStatusSynced {
		t.Errorf("sync status = %q after recovery, want synced", proj.Instance.SyncStatus)
	}
}

func TestSyncFlow_draftsNeverTransfer(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(CHWClaims())

	createEncounter(t, h, token)
	if h.Queue.Depth() != 0 {
		t.Fatalf("queue depth = %d for a draft, want 0", h.Queue.Depth())
	}

	h.DrainSyncQueue()
	if got := len(h.Receiver.Received()); got != 0 {
		t.Errorf("receiver got %d encounters, want 0", got)
	}
}

func TestSyncFlow_restoreRequeuesUnsyncedCompletions(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(CHWClaims())

	completed := completeEncounter(t, h, token, 45, false)

	// Simulate losing the in-memory queue between completion and push, as a
	// device restart would.
	if err := h.Queue.Ack(context.Background(), completed.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if h.Queue.Depth() != 0 {
		t.Fatal("queue not empty after ack")
	}

	if err := h.Worker.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if h.Queue.Depth() != 1 {
		t.Fatalf("queue depth = %d after restore, want 1", h.Queue.Depth())
	}

	h.DrainSyncQueue()
	if got := len(h.Receiver.Received()); got != 1 {
		t.Errorf("receiver got %d encounters after restore, want 1", got)
	}
}
