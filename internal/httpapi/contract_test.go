package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ianlintner/Example-React-AI-Chat-App-sub001/internal/broker"
	"github.com/ianlintner/Example-React-AI-Chat-App-sub001/internal/deadletter"
)

func doJSON(t *testing.T, c *http.Client, method, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(blob)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("http do: %v", err)
	}
	return resp
}

func mustStatus(t *testing.T, resp *http.Response, want int) []byte {
	t.Helper()
	defer resp.Body.Close()
	blob, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		t.Fatalf("status=%d want=%d body=%s", resp.StatusCode, want, string(blob))
	}
	return blob
}

func runContractAllEndpoints(t *testing.T, j deadletter.Journal) {
	t.Helper()
	b := newBrokerForTest(t)
	b.OnDeadLetter(deadletter.Observer(j, log.New(io.Discard, "", 0)))
	ts := httptest.NewServer(NewServer(b, j))
	defer func() {
		ts.CloseClientConnections()
		ts.Close()
	}()
	c := &http.Client{
		Transport: &http.Transport{DisableKeepAlives: true},
	}

	mustStatus(t, doJSON(t, c, http.MethodPost, ts.URL+"/v1/chat", map[string]any{"message": "hi", "conversation_id": "conv-1"}), 200)
	mustStatus(t, doJSON(t, c, http.MethodPost, ts.URL+"/v1/proactive", map[string]any{"action_type": "check_in", "timing": "immediate"}), 200)
	mustStatus(t, doJSON(t, c, http.MethodPost, ts.URL+"/v1/messages", map[string]any{"queue": "stream_chunks", "type": broker.TypeStreamChunk, "payload": "chunk"}), 200)

	blobQueues := mustStatus(t, doJSON(t, c, http.MethodGet, ts.URL+"/v1/queues", nil), 200)
	for _, name := range KnownQueues {
		if !bytes.Contains(blobQueues, []byte(name)) {
			t.Fatalf("expected queue listing to include %s: %s", name, string(blobQueues))
		}
	}

	blobSize := mustStatus(t, doJSON(t, c, http.MethodGet, ts.URL+"/v1/queues/chat_messages/size", nil), 200)
	if !bytes.Contains(blobSize, []byte("\"size\":1")) {
		t.Fatalf("unexpected size: %s", string(blobSize))
	}
	mustStatus(t, doJSON(t, c, http.MethodGet, ts.URL+"/v1/queues/chat_messages/peek", nil), 200)
	mustStatus(t, doJSON(t, c, http.MethodPost, ts.URL+"/v1/queues/stream_chunks/purge", nil), 200)

	if err := b.Subscribe(broker.QueueChatMessages, func(context.Context, broker.Message) error {
		return errors.New("llm unavailable")
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := j.Count(context.Background(), broker.QueueChatMessages); n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	blobDL := mustStatus(t, doJSON(t, c, http.MethodGet, ts.URL+"/v1/deadletters?queue=chat_messages", nil), 200)
	if !bytes.Contains(blobDL, []byte("llm unavailable")) || !bytes.Contains(blobDL, []byte("conv-1")) {
		t.Fatalf("expected dead letter for chat message: %s", string(blobDL))
	}

	mustStatus(t, doJSON(t, c, http.MethodGet, ts.URL+"/v1/stats", nil), 200)
	mustStatus(t, doJSON(t, c, http.MethodGet, ts.URL+"/v1/health", nil), 200)
	mustStatus(t, doJSON(t, c, http.MethodDelete, ts.URL+"/v1/queues/proactive_actions", nil), 200)
}

func TestContractAllEndpoints(t *testing.T) {
	runContractAllEndpoints(t, deadletter.NewMemoryJournal(100))
}

func TestContractAllEndpointsSQLiteJournal(t *testing.T) {
	j, err := deadletter.NewSQLiteJournal(filepath.Join(t.TempDir(), "deadletters.db"))
	if err != nil {
		t.Fatalf("open sqlite journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	runContractAllEndpoints(t, j)
}

type sseEvent struct {
	ID   string
	Type string
	Data string
}

func readNextSSEEvent(t *testing.T, r *bufio.Reader, timeout time.Duration) sseEvent {
	t.Helper()
	events := make(chan sseEvent, 1)
	errs := make(chan error, 1)
	go func() {
		out := sseEvent{}
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				errs <- err
				return
			}
			line = strings.TrimRight(line, "\n")
			if line == "" {
				if out.ID != "" || out.Type != "" || out.Data != "" {
					events <- out
					return
				}
				continue
			}
			switch {
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "id: "):
				out.ID = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				out.Type = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				out.Data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()

	select {
	case evt := <-events:
		return evt
	case err := <-errs:
		t.Fatalf("sse stream ended before event: %v", err)
	case <-time.After(timeout):
		t.Fatalf("timeout waiting for sse event")
	}
	return sseEvent{}
}

func openObserve(t *testing.T, c *http.Client, url, lastEventID string) (*http.Response, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	req.Close = true
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := c.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("open observe: %v", err)
	}
	return resp, cancel
}

func TestObserveSSECursorResume(t *testing.T) {
	b := newBrokerForTest(t)
	ts := httptest.NewServer(NewServer(b, nil))
	t.Cleanup(func() { ts.CloseClientConnections() })
	c := &http.Client{
		Transport: &http.Transport{DisableKeepAlives: true},
	}

	resp, cancel := openObserve(t, c, ts.URL+"/v1/observe?queue=chat_messages", "")
	defer cancel()
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)

	mustStatus(t, doJSON(t, c, http.MethodPost, ts.URL+"/v1/queues/stream_chunks/purge", nil), 200)
	mustStatus(t, doJSON(t, c, http.MethodPost, ts.URL+"/v1/queues/chat_messages/purge", nil), 200)

	first := readNextSSEEvent(t, reader, 3*time.Second)
	if first.Type != string(broker.EventQueuePurged) || !strings.Contains(first.Data, "chat_messages") {
		t.Fatalf("expected filtered chat purge event, got %+v", first)
	}
	cancel()
	_ = resp.Body.Close()

	mustStatus(t, doJSON(t, c, http.MethodPost, ts.URL+"/v1/queues/agent_responses/purge", nil), 200)

	resumed, cancelResume := openObserve(t, c, ts.URL+"/v1/observe", first.ID)
	defer cancelResume()
	defer resumed.Body.Close()
	next := readNextSSEEvent(t, bufio.NewReader(resumed.Body), 3*time.Second)
	if !strings.Contains(next.Data, "agent_responses") {
		t.Fatalf("expected resumed agent_responses event, got %+v", next)
	}
	if next.ID == first.ID {
		t.Fatalf("resumed stream replayed event %s", first.ID)
	}
}
