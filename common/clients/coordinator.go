package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/vidforge/coordinator/common/models"
)

// Logger interface for client logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ErrLeaseLost signals a 409 from the coordinator: the caller's lease is
// gone. The worker loop treats this as a lost_lock panic.
var ErrLeaseLost = errors.New("lease lost")

// CoordinatorClient handles worker communication with the coordinator API
type CoordinatorClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  Logger
}

// NewCoordinatorClient creates a new coordinator client. token may be empty
// when the coordinator runs without a service token.
func NewCoordinatorClient(baseURL, token string, logger Logger) *CoordinatorClient {
	return &CoordinatorClient{
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Claim is the result of a successful claim
type Claim struct {
	Run           *models.Run `json:"run"`
	Recovered     bool        `json:"recovered"`
	TakenOverFrom string      `json:"taken_over_from"`
}

// ClaimNext asks for the next eligible run. A nil Claim with nil error means
// the backlog has nothing matching right now.
func (c *CoordinatorClient) ClaimNext(ctx context.Context, workerID string, leaseMinutes int, taskFilter string) (*Claim, error) {
	body := map[string]interface{}{
		"worker_id":     workerID,
		"lease_minutes": leaseMinutes,
	}
	if taskFilter != "" {
		body["task_filter"] = taskFilter
	}

	resp, err := c.post(ctx, "/api/v1/leases/claim", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var claim Claim
		if err := json.NewDecoder(resp.Body).Decode(&claim); err != nil {
			return nil, fmt.Errorf("failed to decode claim response: %w", err)
		}
		return &claim, nil
	default:
		return nil, responseError("claim", resp)
	}
}

// Heartbeat renews the lease. ErrLeaseLost means stop working on the run.
func (c *CoordinatorClient) Heartbeat(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID, leaseMinutes int, latencyMS *int64) error {
	resp, err := c.post(ctx, fmt.Sprintf("/api/v1/leases/%s/heartbeat", runID), map[string]interface{}{
		"worker_id":     workerID,
		"lock_token":    lockToken,
		"lease_minutes": leaseMinutes,
		"latency_ms":    latencyMS,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return ErrLeaseLost
	default:
		return responseError("heartbeat", resp)
	}
}

// Release hands the run back to the backlog
func (c *CoordinatorClient) Release(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID) error {
	resp, err := c.post(ctx, fmt.Sprintf("/api/v1/leases/%s/release", runID), map[string]interface{}{
		"worker_id":  workerID,
		"lock_token": lockToken,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return ErrLeaseLost
	default:
		return responseError("release", resp)
	}
}

// Complete moves the run to done or failed
func (c *CoordinatorClient) Complete(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID, outcome models.RunStatus, snapshot map[string]any) error {
	resp, err := c.post(ctx, fmt.Sprintf("/api/v1/runs/%s/complete", runID), map[string]interface{}{
		"worker_id":        workerID,
		"lock_token":       lockToken,
		"outcome":          outcome,
		"context_snapshot": snapshot,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return ErrLeaseLost
	default:
		return responseError("complete", resp)
	}
}

// RequestApproval runs the publication gate. gated=true means the run now
// waits for a human and the worker should release or park it.
func (c *CoordinatorClient) RequestApproval(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID) (gated bool, err error) {
	resp, err := c.post(ctx, fmt.Sprintf("/api/v1/runs/%s/request-approval", runID), map[string]interface{}{
		"worker_id":  workerID,
		"lock_token": lockToken,
	})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return false, nil
	case http.StatusAccepted:
		return true, nil
	case http.StatusConflict:
		return false, ErrLeaseLost
	default:
		return false, responseError("request-approval", resp)
	}
}

// PatchSnapshot merge-patches the run's context snapshot
func (c *CoordinatorClient) PatchSnapshot(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID, patch []byte) error {
	url := fmt.Sprintf("%s/api/v1/runs/%s/snapshot", c.baseURL, runID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(patch))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/merge-patch+json")
	req.Header.Set("X-Worker-ID", workerID)
	req.Header.Set("X-Lock-Token", lockToken.String())
	c.setToken(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return ErrLeaseLost
	default:
		return responseError("snapshot patch", resp)
	}
}

// ReportPanic records a panic against the run
func (c *CoordinatorClient) ReportPanic(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID, cause models.PanicCause, detail string) error {
	resp, err := c.post(ctx, fmt.Sprintf("/api/v1/leases/%s/panic", runID), map[string]interface{}{
		"worker_id":  workerID,
		"lock_token": lockToken,
		"cause":      cause,
		"detail":     detail,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError("panic report", resp)
	}
	return nil
}

func (c *CoordinatorClient) post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setToken(req)

	return c.client.Do(req)
}

func (c *CoordinatorClient) setToken(req *http.Request) {
	if c.token != "" {
		req.Header.Set("X-Service-Token", c.token)
	}
}

func responseError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("%s request failed: status=%d, body=%s", op, resp.StatusCode, string(body))
}
