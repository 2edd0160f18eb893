package brokerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ianlintner/Example-React-AI-Chat-App-sub001/internal/broker"
	"github.com/ianlintner/Example-React-AI-Chat-App-sub001/internal/deadletter"
)

type EnqueueRequest struct {
	Queue          string         `json:"queue"`
	Type           string         `json:"type"`
	Payload        any            `json:"payload,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Priority       int            `json:"priority,omitempty"`
	MaxRetries     *int           `json:"max_retries,omitempty"`
	DelayMS        int64          `json:"delay_ms,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type ProactiveRequest struct {
	ActionType     string         `json:"action_type"`
	Payload        any            `json:"payload,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Priority       int            `json:"priority,omitempty"`
	Timing         string         `json:"timing,omitempty"`
	DelayMS        int64          `json:"delay_ms,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type QueueInfo struct {
	Name  string       `json:"name"`
	Size  int          `json:"size"`
	Stats broker.Stats `json:"stats"`
}

// APIError is returned for non-2xx responses that carry the admin error body.
type APIError struct {
	Status    int
	Code      string `json:"code"`
	Message   string `json:"message"`
	Transient bool   `json:"transient"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker api status=%d code=%s: %s", e.Status, e.Code, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *Client) DoJSON(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	blob, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(blob, &envelope) == nil && envelope.Error != nil {
			envelope.Error.Status = resp.StatusCode
			return blob, resp.StatusCode, envelope.Error
		}
		return blob, resp.StatusCode, fmt.Errorf("%s %s failed status=%d body=%s", method, path, resp.StatusCode, string(blob))
	}
	return blob, resp.StatusCode, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	blob, _, err := c.DoJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(blob, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return err
		}
	}
	blob, _, err := c.DoJSON(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(blob, out)
}

func queuePath(name, action string) string {
	p := "/v1/queues/" + url.PathEscape(name)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	blob, _, err := c.DoJSON(ctx, http.MethodGet, "/v1/health", nil)
	if blob != nil {
		_ = json.Unmarshal(blob, &out)
	}
	return out, err
}

func (c *Client) Stats(ctx context.Context, queue string) (broker.Stats, error) {
	path := "/v1/stats"
	if queue != "" {
		path += "?queue=" + url.QueryEscape(queue)
	}
	var resp struct {
		Stats broker.Stats `json:"stats"`
	}
	err := c.getJSON(ctx, path, &resp)
	return resp.Stats, err
}

func (c *Client) ListQueues(ctx context.Context) ([]QueueInfo, error) {
	var resp struct {
		Queues []QueueInfo `json:"queues"`
	}
	err := c.getJSON(ctx, "/v1/queues", &resp)
	return resp.Queues, err
}

func (c *Client) QueueSize(ctx context.Context, queue string) (int, error) {
	var resp struct {
		Size int `json:"size"`
	}
	err := c.getJSON(ctx, queuePath(queue, "size"), &resp)
	return resp.Size, err
}

// Peek returns the head of the queue. ok is false when the queue is empty.
func (c *Client) Peek(ctx context.Context, queue string) (broker.Message, bool, error) {
	var resp struct {
		Message broker.Message `json:"message"`
	}
	err := c.getJSON(ctx, queuePath(queue, "peek"), &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == broker.CodeNotFound {
		return broker.Message{}, false, nil
	}
	if err != nil {
		return broker.Message{}, false, err
	}
	return resp.Message, true, nil
}

func (c *Client) Purge(ctx context.Context, queue string) (int, error) {
	var resp struct {
		Purged int `json:"purged"`
	}
	err := c.postJSON(ctx, queuePath(queue, "purge"), nil, &resp)
	return resp.Purged, err
}

func (c *Client) DeleteQueue(ctx context.Context, queue string) error {
	_, _, err := c.DoJSON(ctx, http.MethodDelete, queuePath(queue, ""), nil)
	return err
}

func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	return c.send(ctx, "/v1/messages", req)
}

func (c *Client) Chat(ctx context.Context, message, userID, conversationID string, priority int) (string, error) {
	return c.send(ctx, "/v1/chat", map[string]any{
		"message":         message,
		"user_id":         userID,
		"conversation_id": conversationID,
		"priority":        priority,
	})
}

func (c *Client) Proactive(ctx context.Context, req ProactiveRequest) (string, error) {
	return c.send(ctx, "/v1/proactive", req)
}

func (c *Client) send(ctx context.Context, path string, in any) (string, error) {
	var resp struct {
		MessageID string `json:"message_id"`
	}
	if err := c.postJSON(ctx, path, in, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.MessageID) == "" {
		return "", fmt.Errorf("missing message_id in response")
	}
	return resp.MessageID, nil
}

func (c *Client) DeadLetters(ctx context.Context, queue string, limit int) ([]deadletter.Record, int, error) {
	q := url.Values{}
	if queue != "" {
		q.Set("queue", queue)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/deadletters"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	var resp struct {
		DeadLetters []deadletter.Record `json:"dead_letters"`
		Total       int                 `json:"total"`
	}
	err := c.getJSON(ctx, path, &resp)
	return resp.DeadLetters, resp.Total, err
}
