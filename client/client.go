// Package client is the HTTP client side of the task protocol: card
// resolution, JSON-RPC task calls, and SSE stream consumption.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agentpay/agentpay/protocol"
)

// Client talks to one remote agent service.
type Client struct {
	baseURL string
	http    *http.Client
	reqID   atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client. Streaming calls
// need one without a response timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a Client for the agent service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResolveCard fetches the agent card from the well-known path.
func ResolveCard(ctx context.Context, baseURL string, hc *http.Client) (*protocol.AgentCard, error) {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	url := strings.TrimRight(baseURL, "/") + protocol.AgentCardPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolving agent card: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolving agent card: unexpected status %d", resp.StatusCode)
	}
	var card protocol.AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, fmt.Errorf("decoding agent card: %w", err)
	}
	if card.URL == "" {
		card.URL = baseURL
	}
	return &card, nil
}

// SendTask submits a task and waits for its settled snapshot.
func (c *Client) SendTask(ctx context.Context, params protocol.TaskSendParams) (*protocol.Task, error) {
	var t protocol.Task
	if err := c.call(ctx, protocol.MethodSendTask, params, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask fetches the current snapshot of a task.
func (c *Client) GetTask(ctx context.Context, params protocol.TaskQueryParams) (*protocol.Task, error) {
	var t protocol.Task
	if err := c.call(ctx, protocol.MethodGetTask, params, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CancelTask requests cancellation of a task.
func (c *Client) CancelTask(ctx context.Context, params protocol.TaskIDParams) (*protocol.Task, error) {
	var t protocol.Task
	if err := c.call(ctx, protocol.MethodCancelTask, params, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// SetPushNotification registers a push endpoint for a task.
func (c *Client) SetPushNotification(ctx context.Context, cfg protocol.TaskPushNotificationConfig) (*protocol.TaskPushNotificationConfig, error) {
	var out protocol.TaskPushNotificationConfig
	if err := c.call(ctx, protocol.MethodSetPushNotification, cfg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPushNotification fetches the push endpoint registered for a task.
func (c *Client) GetPushNotification(ctx context.Context, params protocol.TaskIDParams) (*protocol.TaskPushNotificationConfig, error) {
	var out protocol.TaskPushNotificationConfig
	if err := c.call(ctx, protocol.MethodGetPushNotification, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StreamEvent is one element of a subscription stream. Exactly one of
// Status and Artifact is set.
type StreamEvent struct {
	Status   *protocol.TaskStatusUpdateEvent
	Artifact *protocol.TaskArtifactUpdateEvent
}

// SendTaskSubscribe submits a task and streams its updates. The channel
// closes when the server ends the stream or ctx is done; a stream-level
// error is returned through the second channel.
func (c *Client) SendTaskSubscribe(ctx context.Context, params protocol.TaskSendParams) (<-chan StreamEvent, <-chan error) {
	return c.stream(ctx, protocol.MethodSendTaskSubscribe, params)
}

// Resubscribe reattaches to a running task's update stream.
func (c *Client) Resubscribe(ctx context.Context, params protocol.TaskQueryParams) (<-chan StreamEvent, <-chan error) {
	return c.stream(ctx, protocol.MethodResubscribe, params)
}

// call performs one JSON-RPC round trip and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	resp, err := c.post(ctx, method, params)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *protocol.Error `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s: decoding response: %w", method, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("%s: decoding result: %w", method, err)
		}
	}
	return nil
}

// stream performs one JSON-RPC call whose response is an SSE stream, and
// pumps decoded events until the stream ends.
func (c *Client) stream(ctx context.Context, method string, params any) (<-chan StreamEvent, <-chan error) {
	events := make(chan StreamEvent, 16)
	errc := make(chan error, 1)

	resp, err := c.post(ctx, method, params)
	if err != nil {
		errc <- err
		close(events)
		close(errc)
		return events, errc
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		// Non-stream response means the call failed before streaming began.
		defer resp.Body.Close()
		var envelope struct {
			Error *protocol.Error `json:"error"`
		}
		if decErr := json.NewDecoder(resp.Body).Decode(&envelope); decErr == nil && envelope.Error != nil {
			errc <- envelope.Error
		} else {
			errc <- fmt.Errorf("%s: unexpected content type %q", method, ct)
		}
		close(events)
		close(errc)
		return events, errc
	}

	go func() {
		defer resp.Body.Close()
		defer close(events)
		defer close(errc)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			ev, err := decodeStreamFrame([]byte(strings.TrimPrefix(line, "data: ")))
			if err != nil {
				errc <- err
				return
			}
			select {
			case events <- *ev:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
			if ev.Status != nil && ev.Status.Final {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			errc <- fmt.Errorf("%s: reading stream: %w", method, err)
		}
	}()
	return events, errc
}

// decodeStreamFrame parses one SSE data frame: a JSON-RPC envelope whose
// result is a status or artifact update.
func decodeStreamFrame(data []byte) (*StreamEvent, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *protocol.Error `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decoding stream frame: %w", err)
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}

	// Status frames always carry a state; artifact frames never do.
	var status protocol.TaskStatusUpdateEvent
	if err := json.Unmarshal(envelope.Result, &status); err == nil && status.Status.State != "" {
		return &StreamEvent{Status: &status}, nil
	}
	var artifact protocol.TaskArtifactUpdateEvent
	if err := json.Unmarshal(envelope.Result, &artifact); err != nil {
		return nil, fmt.Errorf("decoding stream frame: %w", err)
	}
	return &StreamEvent{Artifact: &artifact}, nil
}

// post performs the HTTP POST for one JSON-RPC request.
func (c *Client) post(ctx context.Context, method string, params any) (*http.Response, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%s: encoding params: %w", method, err)
	}
	id, _ := json.Marshal(c.reqID.Add(1))
	body, err := json.Marshal(protocol.Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: encoding request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return resp, nil
}
