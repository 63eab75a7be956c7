package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/afya/internal/instance"
	"github.com/pitabwire/afya/internal/observability"
	"github.com/pitabwire/afya/internal/syncqueue"
	"github.com/pitabwire/afya/model"
)

func handleEncounterCreate(mgr *instance.Manager, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := model.ActorContextFrom(r.Context())
		if actor == nil {
			WriteError(w, model.NewUnauthorizedError("missing actor context"))
			return
		}

		var body struct {
			SchemaID      string `json:"schema_id"`
			SchemaVersion string `json:"schema_version"`
			PatientRef    string `json:"patient_ref"`
			FacilityID    string `json:"facility_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.SchemaID == "" {
			WriteError(w, model.NewBadRequestError("schema_id is required"))
			return
		}
		if body.FacilityID == "" {
			body.FacilityID = actor.FacilityID
		}

		inst, err := mgr.CreateInstance(r.Context(), body.SchemaID, body.SchemaVersion, body.PatientRef, body.FacilityID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if metrics != nil {
			metrics.RecordInstanceCreated(inst.SchemaID)
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleEncounterList(mgr *instance.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		limit := queryInt(r, "limit", 50)

		instances, err := mgr.List(r.Context(), status, limit)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":  instances,
			"count": len(instances),
		})
	}
}

func handleEncounterGet(mgr *instance.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instanceID := chi.URLParam(r, "instanceId")

		proj, err := mgr.Project(r.Context(), instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, proj)
	}
}

// handleFieldSave writes one field value. A hard validation failure is a
// structured refusal, not a server error: the result body names the failing
// constraints and the stored value is unchanged.
func handleFieldSave(mgr *instance.Manager, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instanceID := chi.URLParam(r, "instanceId")
		fieldID := chi.URLParam(r, "fieldId")

		var body struct {
			Value any `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		result, err := mgr.SaveFieldValue(r.Context(), instanceID, fieldID, body.Value)
		if err != nil {
			WriteError(w, err)
			return
		}

		if !result.Success {
			if metrics != nil {
				for _, fe := range result.Errors {
					metrics.RecordFieldValidationFailure(schemaIDOf(mgr, r, instanceID), fe.Code)
				}
			}
			WriteJSON(w, http.StatusUnprocessableEntity, result)
			return
		}
		if metrics != nil {
			metrics.RecordFieldSave(schemaIDOf(mgr, r, instanceID), len(result.Warnings))
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

// handleTransition attempts a workflow state change. A blocked transition is
// an expected clinical-safety outcome: the decision is returned as a 409 with
// the refusal reason, never as an opaque error.
func handleTransition(mgr *instance.Manager, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instanceID := chi.URLParam(r, "instanceId")

		var body struct {
			Target string `json:"target"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.Target == "" {
			WriteError(w, model.NewBadRequestError("target is required"))
			return
		}

		decision, err := mgr.TransitionState(r.Context(), instanceID, body.Target)
		if err != nil {
			WriteError(w, err)
			return
		}

		if metrics != nil {
			outcome := "allowed"
			switch {
			case !decision.Allowed:
				outcome = decision.Reason
			case decision.Bypassed:
				outcome = "bypassed"
			}
			metrics.RecordTransition(schemaIDOf(mgr, r, instanceID), outcome)
		}

		if !decision.Allowed {
			WriteJSON(w, http.StatusConflict, decision)
			return
		}
		WriteJSON(w, http.StatusOK, decision)
	}
}

// handleNavigate serves the next/previous convenience endpoints: the target
// state is resolved from the workflow's step order, then the move goes through
// the same decision pipeline as an explicit transition.
func handleNavigate(mgr *instance.Manager, metrics *observability.Metrics, forward bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instanceID := chi.URLParam(r, "instanceId")

		var decision model.TransitionDecision
		var err error
		if forward {
			decision, err = mgr.NextSection(r.Context(), instanceID)
		} else {
			decision, err = mgr.PreviousSection(r.Context(), instanceID)
		}
		if err != nil {
			WriteError(w, err)
			return
		}

		if metrics != nil {
			outcome := "allowed"
			switch {
			case !decision.Allowed:
				outcome = decision.Reason
			case decision.Bypassed:
				outcome = "bypassed"
			}
			metrics.RecordTransition(schemaIDOf(mgr, r, instanceID), outcome)
		}

		if !decision.Allowed {
			WriteJSON(w, http.StatusConflict, decision)
			return
		}
		WriteJSON(w, http.StatusOK, decision)
	}
}

func handleComplete(mgr *instance.Manager, queue *syncqueue.Queue, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instanceID := chi.URLParam(r, "instanceId")

		inst, err := mgr.CompleteForm(r.Context(), instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}

		// A completed, classified encounter goes straight into the transfer
		// queue. Enqueue failure never unwinds the completion: the worker's
		// startup restore will pick the record up.
		if queue != nil && inst.SyncStatus == model.SyncStatusPending {
			if qerr := queue.Enqueue(r.Context(), &inst); qerr != nil {
				if _, ok := qerr.(*model.ErrorEnvelope); !ok {
					slog.Warn("enqueue after completion failed",
						"instance_id", inst.ID, "error", qerr)
				}
			}
		}

		if metrics != nil {
			metrics.RecordCompletion(inst.SchemaID, inst.Calculated.TriagePriority)
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleSummary(mgr *instance.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instanceID := chi.URLParam(r, "instanceId")

		summary, err := mgr.GetClinicalSummary(r.Context(), instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, summary)
	}
}

func handleEvents(mgr *instance.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instanceID := chi.URLParam(r, "instanceId")

		events, err := mgr.Events(r.Context(), instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"instance_id": instanceID,
			"events":      events,
			"count":       len(events),
		})
	}
}

// handleVerify replays the audit trail and compares it against the live
// record. A divergence is a 409: the trail is the authority and a record that
// disagrees with it needs review, not silent acceptance.
func handleVerify(mgr *instance.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instanceID := chi.URLParam(r, "instanceId")

		divergence, err := mgr.VerifyTrail(r.Context(), instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if divergence != "" {
			WriteJSON(w, http.StatusConflict, map[string]string{
				"instance_id": instanceID,
				"status":      "diverged",
				"detail":      divergence,
			})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{
			"instance_id": instanceID,
			"status":      "verified",
		})
	}
}

// schemaIDOf resolves the schema ID of an instance for metric labels. Best
// effort: an empty label is better than failing the request.
func schemaIDOf(mgr *instance.Manager, r *http.Request, instanceID string) string {
	inst, err := mgr.Get(r.Context(), instanceID)
	if err != nil {
		return ""
	}
	return inst.SchemaID
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
