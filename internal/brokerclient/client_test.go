package brokerclient

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ianlintner/Example-React-AI-Chat-App-sub001/internal/broker"
	"github.com/ianlintner/Example-React-AI-Chat-App-sub001/internal/deadletter"
	"github.com/ianlintner/Example-React-AI-Chat-App-sub001/internal/httpapi"
)

func newClientForTest(t *testing.T) (*Client, *broker.Broker, *deadletter.MemoryJournal) {
	t.Helper()
	b := broker.New(broker.Config{
		RetryBase: 2 * time.Millisecond,
		RetryCap:  10 * time.Millisecond,
		Logger:    log.New(io.Discard, "", 0),
	})
	if err := b.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = b.Disconnect() })
	j := deadletter.NewMemoryJournal(100)
	b.OnDeadLetter(deadletter.Observer(j, log.New(io.Discard, "", 0)))

	ts := httptest.NewServer(httpapi.NewServer(b, j))
	t.Cleanup(ts.Close)
	return NewClient(ts.URL + "/"), b, j
}

func TestClientQueueLifecycle(t *testing.T) {
	c, _, _ := newClientForTest(t)
	ctx := context.Background()

	lowID, err := c.Chat(ctx, "low", "u1", "c1", 2)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	highID, err := c.Chat(ctx, "high", "u1", "c1", 9)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	n, err := c.QueueSize(ctx, broker.QueueChatMessages)
	if err != nil || n != 2 {
		t.Fatalf("size=%d err=%v", n, err)
	}
	head, ok, err := c.Peek(ctx, broker.QueueChatMessages)
	if err != nil || !ok || head.ID != highID {
		t.Fatalf("peek=%+v ok=%v err=%v want %s before %s", head, ok, err, highID, lowID)
	}

	queues, err := c.ListQueues(ctx)
	if err != nil || len(queues) != len(httpapi.KnownQueues) {
		t.Fatalf("queues=%+v err=%v", queues, err)
	}

	purged, err := c.Purge(ctx, broker.QueueChatMessages)
	if err != nil || purged != 2 {
		t.Fatalf("purged=%d err=%v", purged, err)
	}
	_, ok, err = c.Peek(ctx, broker.QueueChatMessages)
	if err != nil || ok {
		t.Fatalf("peek after purge ok=%v err=%v", ok, err)
	}
	if err := c.DeleteQueue(ctx, broker.QueueChatMessages); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestClientAPIError(t *testing.T) {
	c, _, _ := newClientForTest(t)
	_, err := c.Enqueue(context.Background(), EnqueueRequest{Queue: "unknown", Type: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != 400 || apiErr.Code != broker.CodeValidation {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestClientDeadLettersAndStats(t *testing.T) {
	c, b, j := newClientForTest(t)
	ctx := context.Background()
	if err := b.Subscribe(broker.QueueStreamChunks, func(context.Context, broker.Message) error {
		return errors.New("socket closed")
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	one := 1
	if _, err := c.Enqueue(ctx, EnqueueRequest{Queue: broker.QueueStreamChunks, Type: broker.TypeStreamChunk, Payload: "x", MaxRetries: &one}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := c.Proactive(ctx, ProactiveRequest{ActionType: "nudge", Timing: "delayed", DelayMS: 60000}); err != nil {
		t.Fatalf("proactive: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := j.Count(ctx, ""); n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	records, total, err := c.DeadLetters(ctx, broker.QueueStreamChunks, 10)
	if err != nil || total != 1 || len(records) != 1 || records[0].Error == "" {
		t.Fatalf("records=%+v total=%d err=%v", records, total, err)
	}

	st, err := c.Stats(ctx, broker.QueueStreamChunks)
	if err != nil || st.FailedMessages != 1 {
		t.Fatalf("stats=%+v err=%v", st, err)
	}
	health, err := c.Health(ctx)
	if err != nil || health["healthy"] != true {
		t.Fatalf("health=%v err=%v", health, err)
	}
}
