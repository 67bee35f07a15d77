// Package client is the Go client for the taskgrid control API. Workers use
// it to register, heartbeat, pull and report tasks; producers use it to
// enqueue work.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const basePath = "/api/distribution"

// Client talks to a taskgrid controller.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	token      string
	retries    int
	retryBase  time.Duration
}

// New creates a client for the controller at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retries:    3,
		retryBase:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("controller returned %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the controller.
func IsNotFound(err error) bool {
	ae, ok := err.(*apiError)
	return ok && ae.Status == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the controller.
func IsConflict(err error) bool {
	ae, ok := err.(*apiError)
	return ok && ae.Status == http.StatusConflict
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = b
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := c.retryBase << (attempt - 1)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		err := c.once(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err

		// Client errors are final; retry transport failures and 5xx.
		if ae, ok := err.(*apiError); ok && ae.Status < http.StatusInternalServerError {
			return err
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var er struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&er)
		return &apiError{Status: resp.StatusCode, Message: er.Message}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// RegisterDevice registers (or re-registers) a device.
func (c *Client) RegisterDevice(ctx context.Context, req *RegisterDeviceRequest) (*Device, error) {
	var d Device
	if err := c.do(ctx, http.MethodPost, basePath+"/devices/register", req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// SendHeartbeat reports one liveness sample.
func (c *Client) SendHeartbeat(ctx context.Context, deviceID string, req *HeartbeatRequest) error {
	return c.do(ctx, http.MethodPost, basePath+"/devices/"+url.PathEscape(deviceID)+"/heartbeat", req, nil)
}

// GetDevice fetches a device with its latest heartbeat and open work.
func (c *Client) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	var detail struct {
		Device *Device `json:"device"`
	}
	if err := c.do(ctx, http.MethodGet, basePath+"/devices/"+url.PathEscape(deviceID), nil, &detail); err != nil {
		return nil, err
	}
	return detail.Device, nil
}

// ListDevices lists devices, optionally filtered by status.
func (c *Client) ListDevices(ctx context.Context, status string) ([]*Device, error) {
	path := basePath + "/devices/"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out struct {
		Devices []*Device `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// CreateTasks enqueues a batch of tasks.
func (c *Client) CreateTasks(ctx context.Context, reqs []*CreateTaskRequest) ([]*Task, error) {
	var out struct {
		Tasks []*Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodPost, basePath+"/tasks/", reqs, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	var detail struct {
		Task *Task `json:"task"`
	}
	path := basePath + "/tasks/" + strconv.FormatInt(taskID, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &detail); err != nil {
		return nil, err
	}
	return detail.Task, nil
}

// PullTasks fetches up to limit assigned tasks for a device.
func (c *Client) PullTasks(ctx context.Context, deviceID string, limit int) ([]*Task, error) {
	path := basePath + "/tasks/" + url.PathEscape(deviceID) + "/pull"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Tasks []*Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// UpdateTaskStatus reports a task state change to the controller.
func (c *Client) UpdateTaskStatus(ctx context.Context, upd *TaskStatusUpdate) error {
	return c.do(ctx, http.MethodPut, basePath+"/tasks/status", upd, nil)
}

// AssignTask force-dispatches a task onto a device.
func (c *Client) AssignTask(ctx context.Context, taskID int64, deviceID string) error {
	req := &AssignTaskRequest{TaskID: taskID, DeviceID: deviceID}
	return c.do(ctx, http.MethodPost, basePath+"/tasks/assign", req, nil)
}

// StatsOverview fetches task and device counts.
func (c *Client) StatsOverview(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.do(ctx, http.MethodGet, basePath+"/stats/overview", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Rebalance triggers one rebalancer pass.
func (c *Client) Rebalance(ctx context.Context) (int, error) {
	var out struct {
		Moved int `json:"moved"`
	}
	if err := c.do(ctx, http.MethodPost, basePath+"/management/rebalance", struct{}{}, &out); err != nil {
		return 0, err
	}
	return out.Moved, nil
}
