package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ianlintner/Example-React-AI-Chat-App-sub001/internal/broker"
	"github.com/ianlintner/Example-React-AI-Chat-App-sub001/internal/deadletter"
)

// KnownQueues are the queue names accepted by the admin surface.
var KnownQueues = []string{
	broker.QueueChatMessages,
	broker.QueueAgentResponses,
	broker.QueueProactiveAction,
	broker.QueueStreamChunks,
}

type Server struct {
	broker  broker.API
	journal deadletter.Journal
}

// NewServer returns the admin handler. journal may be nil, in which case the
// dead-letter listing reports unavailable.
func NewServer(b broker.API, journal deadletter.Journal) http.Handler {
	s := &Server{
		broker:  b,
		journal: journal,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.HandleFunc("/v1/stats", s.handleStats)
	mux.HandleFunc("/v1/queues", s.handleListQueues)
	mux.HandleFunc("/v1/queues/", s.handleQueue)
	mux.HandleFunc("/v1/messages", s.handleMessages)
	mux.HandleFunc("/v1/chat", s.handleChat)
	mux.HandleFunc("/v1/proactive", s.handleProactive)
	mux.HandleFunc("/v1/deadletters", s.handleDeadLetters)
	mux.HandleFunc("/v1/observe", s.handleObserve)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeBrokerError(w http.ResponseWriter, err error) {
	var be *broker.Error
	if errors.As(err, &be) {
		writeJSON(w, be.Status, map[string]any{
			"ok": false,
			"error": map[string]any{
				"code":      be.Code,
				"message":   be.Message,
				"transient": be.Transient,
			},
		})
		return
	}
	writeJSON(w, 500, map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":      broker.CodeInternal,
			"message":   err.Error(),
			"transient": true,
		},
	})
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte("{}"), nil
	}
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		blob = []byte("{}")
	}
	return blob, nil
}

func decodeBody(r *http.Request, dst any) error {
	blob, err := readBody(r)
	if err != nil {
		return broker.NewValidationError("read body failed")
	}
	if err := json.Unmarshal(blob, dst); err != nil {
		return broker.NewValidationJSONError(err)
	}
	return nil
}

func parseInt(value string, def int) int {
	if strings.TrimSpace(value) == "" {
		return def
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return v
}

func methodOnly(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func validateQueue(name string) (string, error) {
	name = strings.TrimSpace(name)
	for _, known := range KnownQueues {
		if name == known {
			return name, nil
		}
	}
	return "", broker.NewValidationError(fmt.Sprintf("unknown queue %q", name))
}

// validatePriority treats zero as "use the default" and rejects anything else
// outside 1..10.
func validatePriority(p int) error {
	if p == 0 {
		return nil
	}
	if p < broker.MinPriority || p > broker.MaxPriority {
		return broker.NewValidationError(fmt.Sprintf("priority must be between %d and %d", broker.MinPriority, broker.MaxPriority))
	}
	return nil
}

// maxDelayMS is the largest delay_ms that still fits in a time.Duration.
const maxDelayMS = math.MaxInt64 / int64(time.Millisecond)

func validateDelay(ms int64) (time.Duration, error) {
	if ms < 0 {
		return 0, broker.NewValidationError("delay_ms must not be negative")
	}
	if ms > maxDelayMS {
		return 0, broker.NewValidationError(fmt.Sprintf("delay_ms must not exceed %d", maxDelayMS))
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	status := http.StatusOK
	if !s.broker.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, s.broker.Health())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("queue"))
	if name != "" {
		if _, err := validateQueue(name); err != nil {
			writeBrokerError(w, err)
			return
		}
	}
	writeJSON(w, 200, map[string]any{"queue": name, "stats": s.broker.Stats(name)})
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	queues := make([]map[string]any, 0, len(KnownQueues))
	for _, name := range KnownQueues {
		queues = append(queues, map[string]any{
			"name":  name,
			"size":  s.broker.QueueSize(name),
			"stats": s.broker.Stats(name),
		})
	}
	writeJSON(w, 200, map[string]any{"queues": queues})
}

// handleQueue serves /v1/queues/{name}[/size|/purge|/peek].
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/queues/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	name, err := validateQueue(parts[0])
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	if len(parts) > 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, 200, map[string]any{"queue": name, "size": s.broker.QueueSize(name), "stats": s.broker.Stats(name)})
		case http.MethodDelete:
			if err := s.broker.DeleteQueue(name); err != nil {
				writeBrokerError(w, err)
				return
			}
			writeJSON(w, 200, map[string]any{"ok": true, "queue": name})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "size":
		if !methodOnly(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, 200, map[string]any{"queue": name, "size": s.broker.QueueSize(name)})
	case "peek":
		if !methodOnly(w, r, http.MethodGet) {
			return
		}
		msg, ok := s.broker.Peek(name)
		if !ok {
			writeBrokerError(w, broker.NewNotFoundError("queue is empty"))
			return
		}
		writeJSON(w, 200, map[string]any{"queue": name, "message": msg})
	case "purge":
		if !methodOnly(w, r, http.MethodPost) {
			return
		}
		n, err := s.broker.PurgeQueue(name)
		if err != nil {
			writeBrokerError(w, err)
			return
		}
		writeJSON(w, 200, map[string]any{"ok": true, "queue": name, "purged": n})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type enqueueRequest struct {
	Queue          string         `json:"queue"`
	Type           string         `json:"type"`
	Payload        any            `json:"payload"`
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id"`
	Priority       int            `json:"priority"`
	MaxRetries     *int           `json:"max_retries"`
	DelayMS        int64          `json:"delay_ms"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Server) enqueue(queueName string, req enqueueRequest, defPriority int) (*broker.Message, error) {
	if err := validatePriority(req.Priority); err != nil {
		return nil, err
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return nil, broker.NewValidationError("max_retries must not be negative")
	}
	delay, err := validateDelay(req.DelayMS)
	if err != nil {
		return nil, err
	}
	priority := req.Priority
	if priority == 0 {
		priority = defPriority
	}
	msg := broker.NewMessage(req.Type, req.Payload)
	msg.UserID = strings.TrimSpace(req.UserID)
	msg.ConversationID = strings.TrimSpace(req.ConversationID)
	msg.Metadata = req.Metadata
	return s.broker.Enqueue(queueName, msg, &broker.EnqueueOptions{
		Priority:   priority,
		MaxRetries: req.MaxRetries,
		Delay:      delay,
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeBrokerError(w, err)
		return
	}
	name, err := validateQueue(req.Queue)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		writeBrokerError(w, broker.NewValidationError("type is required"))
		return
	}
	msg, err := s.enqueue(name, req, broker.DefaultPriority)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "message_id": msg.ID, "message": msg})
}

type chatRequest struct {
	Message        string         `json:"message"`
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id"`
	Priority       int            `json:"priority"`
	DelayMS        int64          `json:"delay_ms"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeBrokerError(w, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeBrokerError(w, broker.NewValidationError("message is required"))
		return
	}
	msg, err := s.enqueue(broker.QueueChatMessages, enqueueRequest{
		Type:           broker.TypeChatMessage,
		Payload:        map[string]any{"message": req.Message},
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Priority:       req.Priority,
		DelayMS:        req.DelayMS,
		Metadata:       req.Metadata,
	}, broker.PriorityChatMessage)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "message_id": msg.ID, "priority": msg.Priority})
}

type proactiveRequest struct {
	ActionType     string         `json:"action_type"`
	Payload        any            `json:"payload"`
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id"`
	Priority       int            `json:"priority"`
	Timing         string         `json:"timing"`
	DelayMS        int64          `json:"delay_ms"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Server) handleProactive(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	var req proactiveRequest
	if err := decodeBody(r, &req); err != nil {
		writeBrokerError(w, err)
		return
	}
	if strings.TrimSpace(req.ActionType) == "" {
		writeBrokerError(w, broker.NewValidationError("action_type is required"))
		return
	}
	switch strings.TrimSpace(req.Timing) {
	case "", "immediate":
		req.DelayMS = 0
	case "delayed":
		if req.DelayMS <= 0 {
			writeBrokerError(w, broker.NewValidationError("delay_ms is required for delayed timing"))
			return
		}
	default:
		writeBrokerError(w, broker.NewValidationError("timing must be immediate or delayed"))
		return
	}

	meta := map[string]any{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta["action_type"] = strings.TrimSpace(req.ActionType)

	msg, err := s.enqueue(broker.QueueProactiveAction, enqueueRequest{
		Type:           broker.TypeProactiveAction,
		Payload:        map[string]any{"action_type": strings.TrimSpace(req.ActionType), "payload": req.Payload},
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Priority:       req.Priority,
		DelayMS:        req.DelayMS,
		Metadata:       meta,
	}, broker.PriorityProactiveAction)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "message_id": msg.ID, "priority": msg.Priority, "delay_ms": req.DelayMS})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	if s.journal == nil {
		writeBrokerError(w, &broker.Error{Code: broker.CodeUnavailable, Message: "dead-letter journal not configured", Status: 503})
		return
	}
	q := r.URL.Query()
	name := strings.TrimSpace(q.Get("queue"))
	if name != "" {
		if _, err := validateQueue(name); err != nil {
			writeBrokerError(w, err)
			return
		}
	}
	filter := deadletter.Filter{Queue: name, Limit: parseInt(q.Get("limit"), 0)}
	records, err := s.journal.List(r.Context(), filter)
	if err != nil {
		writeBrokerError(w, broker.NewInternalError(err.Error()))
		return
	}
	total, err := s.journal.Count(r.Context(), name)
	if err != nil {
		writeBrokerError(w, broker.NewInternalError(err.Error()))
		return
	}
	writeJSON(w, 200, map[string]any{"dead_letters": records, "total": total})
}

func parseObserveCursor(r *http.Request) int64 {
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	if cursor == "" {
		cursor = strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	}
	if cursor == "" {
		return 0
	}
	v, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// handleObserve streams broker events as SSE. ?queue= restricts the stream to
// one queue; Last-Event-ID or ?cursor= resumes after a known event.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeBrokerError(w, broker.NewInternalError("streaming unsupported"))
		return
	}
	queueFilter := strings.TrimSpace(r.URL.Query().Get("queue"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	cursor := parseObserveCursor(r)
	bw := bufio.NewWriter(w)
	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, last := s.broker.EventsSince(cursor, 1*time.Second)
		cursor = last
		wrote := false
		for _, evt := range events {
			if queueFilter != "" && evt.Queue != queueFilter {
				continue
			}
			blob, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(bw, "id: %d\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, blob); err != nil {
				return
			}
			wrote = true
		}
		if !wrote {
			if _, err := bw.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
		}
		if err := bw.Flush(); err != nil {
			return
		}
		flusher.Flush()
	}
}
