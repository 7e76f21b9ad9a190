package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kodewave/goatsync/internal/offline/domain"
	"github.com/kodewave/goatsync/internal/offline/queue"
)

// wireRequest is the validated request envelope sent to the remote.
type wireRequest struct {
	Operation  string          `json:"operation" validate:"required"`
	EntityID   string          `json:"entityId" validate:"required"`
	EntityType string          `json:"entityType" validate:"required,oneof=session grid backlog"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  int64           `json:"timestamp" validate:"required"`
}

type successBody struct {
	Version int64 `json:"version"`
}

type conflictBody struct {
	ServerData json.RawMessage `json:"serverData"`
}

type errorBody struct {
	Message string `json:"message"`
}

// HTTPExecutor implements queue.Executor over HTTP: POST the JSON
// envelope, interpret 2xx as success, 409 as conflict, and anything else
// as transient. Requests are validated with go-playground/validator before
// being sent, failing fast on a malformed operation rather than wasting a
// network round trip.
type HTTPExecutor struct {
	BaseURL string
	Client  *http.Client
	Timeout time.Duration

	validate *validator.Validate
}

// NewHTTPExecutor builds an HTTPExecutor targeting baseURL's /sync endpoint.
func NewHTTPExecutor(baseURL string, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPExecutor{
		BaseURL:  baseURL,
		Client:   &http.Client{},
		Timeout:  timeout,
		validate: validator.New(),
	}
}

// Execute implements queue.Executor.
func (e *HTTPExecutor) Execute(ctx context.Context, op *domain.Operation) (queue.ExecResult, error) {
	req := wireRequest{
		Operation:  string(op.Type),
		EntityID:   op.EntityID,
		EntityType: string(op.EntityType),
		Payload:    op.Payload,
		Timestamp:  op.CreatedAt.UnixMilli(),
	}
	if err := e.validate.Struct(req); err != nil {
		// A malformed operation is a programmer error, not a transient
		// network condition: still routed as a retryable failure so the
		// caller sees it via the normal retry/backoff path rather than a
		// panic crossing the queue boundary.
		return queue.ExecResult{}, fmt.Errorf("syncengine: invalid wire request: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return queue.ExecResult{}, fmt.Errorf("syncengine: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/sync", bytes.NewReader(body))
	if err != nil {
		return queue.ExecResult{}, fmt.Errorf("syncengine: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(httpReq)
	if err != nil {
		return queue.ExecResult{}, fmt.Errorf("syncengine: rpc call: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var sb successBody
		if err := json.NewDecoder(resp.Body).Decode(&sb); err != nil {
			return queue.ExecResult{}, fmt.Errorf("syncengine: decode success body: %w", err)
		}
		return queue.ExecResult{ServerVersion: sb.Version}, nil

	case resp.StatusCode == http.StatusConflict:
		var cb conflictBody
		if err := json.NewDecoder(resp.Body).Decode(&cb); err != nil {
			return queue.ExecResult{}, fmt.Errorf("syncengine: decode conflict body: %w", err)
		}
		return queue.ExecResult{Conflict: true, ServerData: cb.ServerData}, nil

	default:
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		msg := eb.Message
		if msg == "" {
			msg = resp.Status
		}
		return queue.ExecResult{}, fmt.Errorf("syncengine: rpc %s: %s", resp.Status, msg)
	}
}
