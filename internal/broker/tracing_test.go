package broker

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDeliverySpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	b := newTestBroker(t, Config{Tracer: tp.Tracer("test")})
	sink := collectDeadLetters(b)
	if err := b.Subscribe("Q", func(_ context.Context, m Message) error {
		if m.Type == "bad" {
			return errors.New("rejected")
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	one := 1
	mustEnqueue(t, b, "Q", Message{Type: "good"}, nil)
	mustEnqueue(t, b, "Q", Message{Type: "bad"}, &EnqueueOptions{MaxRetries: &one})

	waitFor(t, "dead letter", func() bool { return len(sink.all()) == 1 })
	waitFor(t, "spans", func() bool { return len(recorder.Ended()) == 2 })

	statuses := map[codes.Code]int{}
	for _, span := range recorder.Ended() {
		if span.Name() != "broker.deliver" {
			t.Fatalf("unexpected span %q", span.Name())
		}
		statuses[span.Status().Code]++
	}
	if statuses[codes.Error] != 1 {
		t.Fatalf("expected one failed delivery span, got %v", statuses)
	}
}
