package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// kickLocked starts a drain goroutine for q unless one is already running or
// there is nothing to deliver.
func (b *Broker) kickLocked(q *queue) {
	if q.draining || len(q.handlers) == 0 || len(q.pending) == 0 {
		return
	}
	q.draining = true
	b.drains.Add(1)
	go b.drain(q, b.generation, b.drains)
}

func (b *Broker) drain(q *queue, gen uint64, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		b.mu.Lock()
		if !b.connected || b.generation != gen || b.queues[q.name] != q {
			q.draining = false
			b.mu.Unlock()
			return
		}
		if len(q.handlers) == 0 || len(q.pending) == 0 {
			q.draining = false
			b.mu.Unlock()
			return
		}
		m, _ := q.popLocked(b.now())
		msg := *m
		handlers := append([]Handler(nil), q.handlers...)
		ctx := b.ctx
		b.mu.Unlock()

		err := b.deliver(ctx, q.name, msg, handlers)
		b.settle(q, gen, msg.ID, err)
	}
}

// settle records the outcome of one delivery attempt. Outcomes that arrive
// after a disconnect or queue deletion are dropped.
func (b *Broker) settle(q *queue, gen uint64, id string, cause error) bool {
	b.mu.Lock()
	if b.generation != gen || b.queues[q.name] != q {
		b.mu.Unlock()
		return false
	}
	f, ok := q.settleLocked(id)
	if !ok {
		b.mu.Unlock()
		return false
	}
	if cause == nil {
		q.stats.recordSample(b.now().Sub(f.started))
		q.stats.completed++
		b.mu.Unlock()
		return true
	}
	dl, dead := b.failLocked(q, f.msg, cause)
	observers := b.observersLocked()
	b.mu.Unlock()

	if dead {
		b.logger.Printf("dead-lettered queue=%s id=%s type=%s retries=%d err=%v", dl.Queue, dl.Message.ID, dl.Message.Type, dl.Message.RetryCount, cause)
		for _, obs := range observers {
			obs(dl)
		}
	}
	return true
}

// failLocked applies the retry policy to a failed message. It either
// schedules a backoff re-admission or returns the dead letter to publish.
func (b *Broker) failLocked(q *queue, m *Message, cause error) (DeadLetter, bool) {
	m.RetryCount++
	now := b.now()
	if m.RetryCount < m.MaxRetries {
		delay := b.backoff(m.RetryCount)
		b.logger.Printf("delivery failed queue=%s id=%s attempt=%d retry_in=%s err=%v", q.name, m.ID, m.RetryCount, delay, cause)
		b.publishLocked(EventRetryScheduled, q.name, map[string]any{
			"message_id":  m.ID,
			"retry_count": m.RetryCount,
			"delay_ms":    delay.Milliseconds(),
			"error":       cause.Error(),
		}, now)
		b.scheduleLocked(q, m, delay, true)
		return DeadLetter{}, false
	}

	q.stats.failed++
	dl := DeadLetter{
		Queue:   q.name,
		Message: *m,
		Err:     cause,
		At:      now,
	}
	b.publishLocked(EventDeadLetter, q.name, map[string]any{
		"queue_name": q.name,
		"message":    dl.Message,
		"error":      cause.Error(),
	}, now)
	return dl, true
}

// backoff returns min(base * 2^(attempt-1), cap).
func (b *Broker) backoff(attempt int) time.Duration {
	delay := b.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.cfg.RetryCap {
			return b.cfg.RetryCap
		}
	}
	if delay > b.cfg.RetryCap {
		return b.cfg.RetryCap
	}
	return delay
}

// deliver fans msg out to every handler and waits for all of them. The first
// failure is returned and cancels the context seen by the others.
func (b *Broker) deliver(ctx context.Context, queueName string, msg Message, handlers []Handler) error {
	ctx, span := b.tracer.Start(ctx, "broker.deliver",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", queueName),
			attribute.String("messaging.message.id", msg.ID),
			attribute.String("broker.message.type", msg.Type),
			attribute.Int("broker.message.priority", msg.Priority),
			attribute.Int("broker.message.retry_count", msg.RetryCount),
			attribute.Int("broker.subscribers", len(handlers)),
		),
	)
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handlers {
		g.Go(func() error {
			return b.invoke(gctx, h, msg)
		})
	}
	err := g.Wait()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// invoke runs one subscriber. With a HandlerTimeout the subscriber is only
// abandoned once its own deadline passes; cancellation caused by a failing
// sibling is passed on through ctx but still waited for.
func (b *Broker) invoke(ctx context.Context, h Handler, msg Message) (err error) {
	if b.cfg.HandlerTimeout <= 0 {
		defer func() {
			if r := recover(); r != nil {
				err = &HandlerPanicError{Value: r}
			}
		}()
		return h(ctx, msg)
	}

	hctx, cancel := context.WithTimeout(ctx, b.cfg.HandlerTimeout)
	defer cancel()
	timer := time.NewTimer(b.cfg.HandlerTimeout)
	defer timer.Stop()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &HandlerPanicError{Value: r}
			}
		}()
		done <- h(hctx, msg)
	}()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return newError(CodeTimeout, fmt.Sprintf("subscriber exceeded %s", b.cfg.HandlerTimeout), true)
	}
}
