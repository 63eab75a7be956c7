package syncqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pitabwire/afya/model"
)

// Transport pushes one encounter to the receiving system. An error return
// means the transfer did not happen; the caller reschedules, never discards.
type Transport interface {
	Push(ctx context.Context, inst model.FormInstance, events []model.AuditEvent) error
}

// pushPayload is the wire form of one transfer: the full instance and its
// complete audit trail, so the receiving system can verify by replay.
type pushPayload struct {
	Instance model.FormInstance `json:"instance"`
	Events   []model.AuditEvent `json:"events"`
}

// HTTPTransport pushes encounters to an HTTP collection endpoint.
type HTTPTransport struct {
	endpoint string
	client   *http.Client

	// AuthToken, when set, is sent as a bearer token.
	AuthToken string
}

// NewHTTPTransport creates an HTTPTransport. The client's timeout bounds each
// push; per-call deadlines come from the worker's context.
func NewHTTPTransport(endpoint string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{endpoint: endpoint, client: client}
}

// Push sends one encounter. Any transport or non-2xx outcome is a SYNC_ERROR
// so the caller can distinguish a retryable failure from a local bug.
func (t *HTTPTransport) Push(ctx context.Context, inst model.FormInstance, events []model.AuditEvent) error {
	body, err := json.Marshal(pushPayload{Instance: inst, Events: events})
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.AuthToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return model.NewSyncError(fmt.Sprintf("push %q: %v", inst.ID, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.NewSyncError(
			fmt.Sprintf("push %q: endpoint returned %d: %s", inst.ID, resp.StatusCode, detail),
		)
	}
	return nil
}
