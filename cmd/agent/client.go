package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// client talks to the coordinator's Agent Protocol surface: claimNextTask,
// heartbeat, reportOutcome. Built in the sendRegistration/sendHeartbeat
// shape of a typical polling agent client, but pointed at pull-based
// routes instead of a push-based /agent/register call.
type client struct {
	cfg *Config
	hc  *http.Client
}

func newClient(cfg *Config) *client {
	return &client{cfg: cfg, hc: &http.Client{Timeout: cfg.RequestTimeout}}
}

// claimedTask mirrors agentproto.claimResponse.
type claimedTask struct {
	TaskID         string `json:"task_id"`
	Provider       string `json:"provider"`
	Priority       int    `json:"priority"`
	Payload        []byte `json:"payload"`
	LeaseExpiresAt string `json:"lease_expires_at"`
}

// ErrNoTask is returned by claimNextTask when the coordinator has nothing
// eligible to hand out (a 204 response).
var ErrNoTask = fmt.Errorf("no eligible task")

func (c *client) claimNextTask() (*claimedTask, error) {
	url := fmt.Sprintf("%s/agent/%s/claim", c.cfg.CoordinatorURL, c.cfg.AgentID)
	resp, err := c.hc.Post(url, "application/json", nil)
	if err != nil {
		return nil, fmt.Errorf("claim request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, ErrNoTask
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("claim throttled")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("claim failed with status %d: %s", resp.StatusCode, body)
	}

	var task claimedTask
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("decoding claim response: %w", err)
	}
	return &task, nil
}

func (c *client) sendHeartbeat(taskID string) error {
	url := fmt.Sprintf("%s/agent/%s/heartbeat/%s", c.cfg.CoordinatorURL, c.cfg.AgentID, taskID)
	resp, err := c.hc.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("heartbeat request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat failed with status %d", resp.StatusCode)
	}
	return nil
}

type outcomeRequest struct {
	Success   bool                   `json:"success"`
	Evidence  map[string]interface{} `json:"evidence"`
	Error     string                 `json:"error,omitempty"`
	Retryable *bool                  `json:"retryable,omitempty"`
}

// reportOutcome posts the task's terminal result, tagged with an
// Idempotency-Key. The key is generated anew on every call, so the
// coordinator does not deduplicate two reportOutcome calls for the same
// task against each other.
func (c *client) reportOutcome(taskID string, req outcomeRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling outcome: %w", err)
	}

	url := fmt.Sprintf("%s/agent/outcome/%s", c.cfg.CoordinatorURL, taskID)
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building outcome request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("outcome request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("a prior outcome attempt is still executing")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("outcome rejected with status %d: %s", resp.StatusCode, body)
	}
	return nil
}
