package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pitabwire/afya/internal/config"
	"github.com/pitabwire/afya/internal/instance"
	"github.com/pitabwire/afya/internal/schema"
	"github.com/pitabwire/afya/internal/syncqueue"
	"github.com/pitabwire/afya/model"
)

func fptr(f float64) *float64 { return &f }

// respiratorySchema is a compact under-five protocol covering visibility,
// derivation, guards, bypass, triage, and completion.
func respiratorySchema() model.Schema {
	return model.Schema{
		ID: "under5-respiratory", Version: "1.0.0", Name: "Respiratory assessment",
		FallbackPriority: model.PriorityGreen,
		Fields: []model.FieldDefinition{
			{ID: "age_months", Type: model.FieldTypeNumber, Label: "Age", Required: true,
				Constraints: &model.FieldConstraints{Min: fptr(0), Max: fptr(60)}},
			{ID: "respiratory_rate", Type: model.FieldTypeNumber, Label: "Breaths per minute", Required: true,
				Constraints: &model.FieldConstraints{Min: fptr(5), Max: fptr(150)}},
			{ID: "unable_to_drink", Type: model.FieldTypeBoolean, Label: "Unable to drink", Required: true},
			{ID: "cough_days", Type: model.FieldTypeNumber, Label: "Days of cough", Required: true,
				VisibleIf: &model.Condition{Field: "has_cough", Operator: model.OpEq, Value: true}},
			{ID: "has_cough", Type: model.FieldTypeBoolean, Label: "Cough present"},
		},
		Sections: []model.Section{
			{ID: "assess", Title: "Assessment", StateID: "assessment",
				Fields: []string{"age_months", "respiratory_rate", "unable_to_drink", "has_cough", "cough_days"}},
		},
		States: []model.WorkflowState{
			{ID: "assessment", Name: "Assessment", Step: 1,
				AllowedTransitions: []string{"classification"},
				RequiredFields:     []string{"age_months", "respiratory_rate", "unable_to_drink"}},
			{ID: "classification", Name: "Classification", Step: 2,
				AllowedTransitions: []string{"treatment"},
				CanBypass:          true},
			{ID: "treatment", Name: "Treatment", Step: 3},
		},
		Calculated: []model.CalculatedFieldDefinition{
			{ID: "fast_breathing", Source: "respiratory_rate", AgeField: "age_months",
				Thresholds: []model.AgeThreshold{
					{MaxAgeMonths: fptr(12), GTE: 50},
					{MinAgeMonths: fptr(12), MaxAgeMonths: fptr(60), GTE: 40},
				}},
		},
		TriageRules: []model.TriageRule{
			{ID: "severe-disease", Severity: model.PriorityRed,
				When:    model.Condition{Field: "unable_to_drink", Operator: model.OpEq, Value: true},
				Actions: []string{"urgent_referral"}},
			{ID: "pneumonia", Severity: model.PriorityYellow,
				When:    model.Condition{Field: "fast_breathing", Operator: model.OpEq, Value: true},
				Actions: []string{"oral_amoxicillin", "follow_up_2_days"}},
		},
	}
}

// stubAuth injects fixed claims, standing in for the JWT middleware.
func stubAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := map[string]any{
			"sub":         "chw-7",
			"facility_id": "facility-9",
			"roles":       []any{"chw"},
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func newTestAPI(t *testing.T) http.Handler {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = 5 * time.Second
	cfg.Observability.Metrics.Enabled = false

	reg := schema.NewRegistry([]model.Schema{respiratorySchema()})
	store := instance.NewMemoryInstanceStore()
	queue := syncqueue.NewQueue(syncqueue.NewMemorySyncStateStore(), syncqueue.DefaultBackoff)

	return NewRouter(Dependencies{
		Config:       cfg,
		Manager:      instance.NewManager(reg, store, nil),
		Registry:     reg,
		Queue:        queue,
		Authenticate: stubAuth,
	})
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-Id", "tablet-3")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createEncounter(t *testing.T, h http.Handler) model.FormInstance {
	t.Helper()
	w := doJSON(t, h, "POST", "/encounters", map[string]string{
		"schema_id":   "under5-respiratory",
		"patient_ref": "patient-token-1",
	})
	if w.Code != 201 {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	var inst model.FormInstance
	decode(t, w, &inst)
	return inst
}

// --- encounter lifecycle ---

func TestHandleEncounterCreate(t *testing.T) {
	h := newTestAPI(t)
	inst := createEncounter(t, h)

	if inst.SchemaVersion != "1.0.0" {
		t.Errorf("schema_version = %q, want 1.0.0", inst.SchemaVersion)
	}
	if inst.CurrentStateID != "assessment" {
		t.Errorf("current_state_id = %q, want assessment", inst.CurrentStateID)
	}
	if inst.Status != model.InstanceStatusDraft {
		t.Errorf("status = %q, want draft", inst.Status)
	}
	// Facility falls back to the actor's claim.
	if inst.FacilityID != "facility-9" {
		t.Errorf("facility_id = %q, want facility-9", inst.FacilityID)
	}
}

func TestHandleEncounterCreate_unknownSchema(t *testing.T) {
	h := newTestAPI(t)
	w := doJSON(t, h, "POST", "/encounters", map[string]string{"schema_id": "no-such-protocol"})
	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleEncounterCreate_missingSchemaID(t *testing.T) {
	h := newTestAPI(t)
	w := doJSON(t, h, "POST", "/encounters", map[string]string{})
	if w.Code != 400 {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleEncounterCreate_missingDeviceHeader(t *testing.T) {
	h := newTestAPI(t)
	req := httptest.NewRequest("POST", "/encounters", bytes.NewBufferString(`{"schema_id":"under5-respiratory"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 401 {
		t.Errorf("status = %d, want 401 without X-Device-Id", w.Code)
	}
}

func TestHandleEncounterGet_projection(t *testing.T) {
	h := newTestAPI(t)
	inst := createEncounter(t, h)

	w := doJSON(t, h, "GET", "/encounters/"+inst.ID, nil)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	var proj model.Projection
	decode(t, w, &proj)

	if proj.CurrentState.ID != "assessment" {
		t.Errorf("current state = %q, want assessment", proj.CurrentState.ID)
	}
	// cough_days is hidden until has_cough is true.
	for _, vf := range proj.VisibleFields {
		if vf.Definition.ID == "cough_days" {
			t.Error("cough_days should not be visible before has_cough is answered")
		}
	}
}

func TestHandleEncounterGet_notFound(t *testing.T) {
	h := newTestAPI(t)
	w := doJSON(t, h, "GET", "/encounters/missing", nil)
	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleFieldSave(t *testing.T) {
	h := newTestAPI(t)
	inst := createEncounter(t, h)

	w := doJSON(t, h, "PUT", "/encounters/"+inst.ID+"/fields/respiratory_rate",
		map[string]any{"value": 55.0})
	if w.Code != 200 {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var res model.SaveResult
	decode(t, w, &res)
	if !res.Success {
		t.Error("save should succeed")
	}
	if res.Calculated == nil {
		t.Error("successful save should carry recomputed derived state")
	}
}

func TestHandleFieldSave_validationFailure(t *testing.T) {
	h := newTestAPI(t)
	inst := createEncounter(t, h)

	w := doJSON(t, h, "PUT", "/encounters/"+inst.ID+"/fields/respiratory_rate",
		map[string]any{"value": 400.0})
	if w.Code != 422 {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	var res model.SaveResult
	decode(t, w, &res)
	if res.Success {
		t.Error("out-of-range save should fail")
	}
	if len(res.Errors) == 0 {
		t.Error("failure should name the violated constraint")
	}
}

func TestHandleFieldSave_unknownField(t *testing.T) {
	h := newTestAPI(t)
	inst := createEncounter(t, h)

	w := doJSON(t, h, "PUT", "/encounters/"+inst.ID+"/fields/not_a_field",
		map[string]any{"value": 1})
	if w.Code != 400 {
		t.Errorf("status = %d, want 400 for undefined field", w.Code)
	}
}

func TestHandleTransition_blockedByMissingFields(t *testing.T) {
	h := newTestAPI(t)
	inst := createEncounter(t, h)

	w := doJSON(t, h, "POST", "/encounters/"+inst.ID+"/transition",
		map[string]string{"target": "classification"})
	if w.Code != 409 {
		t.Fatalf("status = %d, want 409 for blocked transition", w.Code)
	}
	var dec model.TransitionDecision
	decode(t, w, &dec)
	if dec.Allowed {
		t.Error("transition should be blocked")
	}
	if dec.Reason != model.ErrMissingRequiredFields {
		t.Errorf("reason = %q, want MISSING_REQUIRED_FIELDS", dec.Reason)
	}
	if len(dec.MissingFields) == 0 {
		t.Error("blocked decision should name the missing fields")
	}
}

func TestHandleTransition_invalidTarget(t *testing.T) {
	h := newTestAPI(t)
	inst := createEncounter(t, h)

	w := doJSON(t, h, "POST", "/encounters/"+inst.ID+"/transition",
		map[string]string{"target": "treatment"})
	if w.Code != 409 {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	var dec model.TransitionDecision
	decode(t, w, &dec)
	if dec.Reason != model.ErrInvalidTransition {
		t.Errorf("reason = %q, want INVALID_TRANSITION", dec.Reason)
	}
}

func answerRequired(t *testing.T, h http.Handler, id string) {
	t.Helper()
	for field, value := range map[string]any{
		"age_months":       18.0,
		"respiratory_rate": 55.0,
		"unable_to_drink":  false,
	} {
		w := doJSON(t, h, "PUT", "/encounters/"+id+"/fields/"+field, map[string]any{"value": value})
		if w.Code != 200 {
			t.Fatalf("save %s status = %d, body %s", field, w.Code, w.Body.String())
		}
	}
}

func TestHandleTransition_allowed(t *testing.T) {
	h := newTestAPI(t)
	inst := createEncounter(t, h)
	answerRequired(t, h, inst.ID)

	w := doJSON(t, h, "POST", "/encounters/"+inst.ID+"/transition",
		map[string]string{"target": "classification"})
	if w.Code != 200 {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var dec model.TransitionDecision
	decode(t, w, &dec)
	if !dec.Allowed || dec.ToState != "classification" {
		t.Errorf("decision = %+v, want allowed transition to classification", dec)
	}
}

func TestHandleNavigate_nextAndPrevious(t *testing.T) {
	h := newTestAPI(t)
	inst := createEncounter(t, h)
	answerRequired(t, h, inst.ID)

	w := doJSON(t, h, "POST", "/encounters/"+inst.ID+"/next", nil)
	if w.Code != 200 {
		t.Fatalf("next status = %d, body %s", w.Code, w.Body.String())
	}
	var dec model.TransitionDecision
	decode(t, w, &dec)
	if !dec.Allowed || dec.ToState != "classification" {
		t.Errorf("decision = %+v, want allowed move to classification", dec)
	}

	// The protocol declares no backward transitions, so previous is refused
	// with the same verdict shape as any blocked transition.
	w = doJSON(t, h, "POST", "/encounters/"+inst.ID+"/previous", nil)
	if w.Code != 409 {
		t.Fatalf("previous status = %d, want 409", w.Code)
	}
	decode(t, w, &dec)
	if dec.Allowed || dec.Reason != model.ErrInvalidTransition {
		t.Errorf("decision = %+v, want INVALID_TRANSITION refusal", dec)
	}
}

func TestHandleNavigate_blockedByMissingFields(t *testing.T) {
	h := newTestAPI(t)
	inst := createEncounter(t, h)

	w := doJSON(t, h, "POST", "/encounters/"+inst.ID+"/next", nil)
	if w.Code != 409 {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	var dec model.TransitionDecision
	decode(t, w, &dec)
	if dec.Reason != model.ErrMissingRequiredFields {
		t.Errorf("reason = %q, want MISSING_REQUIRED_FIELDS", dec.Reason)
	}
}

func TestHandleComplete_fullLifecycle(t *testing.T) {
	h := newTestAPI(t)
	inst := createEncounter(t, h)
	answerRequired(t, h, inst.ID)

	for _, target := range []string{"classification", "treatment"} {
		w := doJSON(t, h, "POST", "/encounters/"+inst.ID+"/transition",
			map[string]string{"target": target})
		if w.Code != 200 {
			t.Fatalf("transition to %s status = %d, body %s", target, w.Code, w.Body.String())
		}
	}

	w := doJSON(t, h, "POST", "/encounters/"+inst.ID+"/complete", nil)
	if w.Code != 200 {
		t.Fatalf("complete status = %d, body %s", w.Code, w.Body.String())
	}
	var done model.FormInstance
	decode(t, w, &done)
	if done.Status != model.InstanceStatusCompleted {
		t.Errorf("status = %q, want completed", done.Status)
	}
	// 55 bpm at 18 months is fast breathing: pneumonia, yellow.
	if done.Calculated.TriagePriority != model.PriorityYellow {
		t.Errorf("triage = %q, want yellow", done.Calculated.TriagePriority)
	}
	if done.SyncStatus != model.SyncStatusPending {
		t.Errorf("sync_status = %q, want pending", done.SyncStatus)
	}

	// Completion feeds the transfer queue.
	w = doJSON(t, h, "GET", "/sync/status", nil)
	var status struct {
		Depth int `json:"depth"`
	}
	decode(t, w, &status)
	if status.Depth != 1 {
		t.Errorf("sync queue depth = %d, want 1 after completion", status.Depth)
	}
}

func TestHandleComplete_notTerminal(t *testing.T) {
	h := newTestAPI(t)
	inst := createEncounter(t, h)

	w := doJSON(t, h, "POST", "/encounters/"+inst.ID+"/complete", nil)
	if w.Code != 422 {
		t.Errorf("status = %d, want 422 for non-terminal completion", w.Code)
	}
}

func TestHandleSummary_and_events_and_verify(t *testing.T) {
	h := newTestAPI(t)
	inst := createEncounter(t, h)
	answerRequired(t, h, inst.ID)
	for _, target := range []string{"classification", "treatment"} {
		doJSON(t, h, "POST", "/encounters/"+inst.ID+"/transition", map[string]string{"target": target})
	}
	doJSON(t, h, "POST", "/encounters/"+inst.ID+"/complete", nil)

	w := doJSON(t, h, "GET", "/encounters/"+inst.ID+"/summary", nil)
	if w.Code != 200 {
		t.Fatalf("summary status = %d", w.Code)
	}
	var summary model.ClinicalSummary
	decode(t, w, &summary)
	if summary.TriagePriority != model.PriorityYellow {
		t.Errorf("summary triage = %q, want yellow", summary.TriagePriority)
	}

	w = doJSON(t, h, "GET", "/encounters/"+inst.ID+"/events", nil)
	if w.Code != 200 {
		t.Fatalf("events status = %d", w.Code)
	}
	var eventsResp struct {
		Events []model.AuditEvent `json:"events"`
		Count  int                `json:"count"`
	}
	decode(t, w, &eventsResp)
	// create + 3 field changes + 2 transitions + complete
	if eventsResp.Count != 7 {
		t.Errorf("event count = %d, want 7", eventsResp.Count)
	}

	w = doJSON(t, h, "GET", "/encounters/"+inst.ID+"/verify", nil)
	if w.Code != 200 {
		t.Fatalf("verify status = %d, body %s", w.Code, w.Body.String())
	}
	var verify map[string]string
	decode(t, w, &verify)
	if verify["status"] != "verified" {
		t.Errorf("verify status = %q, want verified", verify["status"])
	}
}

func TestHandleEncounterList_filterByStatus(t *testing.T) {
	h := newTestAPI(t)
	createEncounter(t, h)
	createEncounter(t, h)

	w := doJSON(t, h, "GET", "/encounters?status=draft", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Data  []model.FormInstance `json:"data"`
		Count int                  `json:"count"`
	}
	decode(t, w, &resp)
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}

	w = doJSON(t, h, "GET", "/encounters?status=completed", nil)
	decode(t, w, &resp)
	if resp.Count != 0 {
		t.Errorf("completed count = %d, want 0", resp.Count)
	}
}

// --- schemas ---

func TestHandleSchemaList(t *testing.T) {
	h := newTestAPI(t)
	w := doJSON(t, h, "GET", "/schemas", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Schemas []schemaListEntry `json:"schemas"`
		Count   int               `json:"count"`
	}
	decode(t, w, &resp)
	if resp.Count != 1 || resp.Schemas[0].ID != "under5-respiratory" {
		t.Errorf("schemas = %+v", resp.Schemas)
	}
}

func TestHandleSchemaGet(t *testing.T) {
	h := newTestAPI(t)
	w := doJSON(t, h, "GET", "/schemas/under5-respiratory", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	var s model.Schema
	decode(t, w, &s)
	if s.Version != "1.0.0" || len(s.Fields) != 5 {
		t.Errorf("schema = %s@%s with %d fields", s.ID, s.Version, len(s.Fields))
	}
}

func TestHandleSchemaGet_unknownVersion(t *testing.T) {
	h := newTestAPI(t)
	w := doJSON(t, h, "GET", "/schemas/under5-respiratory?version=9.9.9", nil)
	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// --- sync ---

func TestHandleSyncStatus_and_errors(t *testing.T) {
	h := newTestAPI(t)

	w := doJSON(t, h, "GET", "/sync/status", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	var status struct {
		Depth   int `json:"depth"`
		Errored int `json:"errored"`
	}
	decode(t, w, &status)
	if status.Depth != 0 || status.Errored != 0 {
		t.Errorf("status = %+v, want empty queue", status)
	}

	w = doJSON(t, h, "GET", "/sync/errors", nil)
	if w.Code != 200 {
		t.Fatalf("errors status = %d", w.Code)
	}
	var errResp struct {
		Count int `json:"count"`
	}
	decode(t, w, &errResp)
	if errResp.Count != 0 {
		t.Errorf("errored count = %d, want 0", errResp.Count)
	}
}
