package broker

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ianlintner/Example-React-AI-Chat-App-sub001/internal/broker"

type Config struct {
	RetryBase      time.Duration
	RetryCap       time.Duration
	HandlerTimeout time.Duration
	MaxEvents      int
	EventWaitMax   time.Duration
	Clock          func() time.Time
	Logger         *log.Logger
	Tracer         trace.Tracer
}

type Broker struct {
	mu sync.Mutex

	cfg    Config
	logger *log.Logger
	tracer trace.Tracer

	connected  bool
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc

	queues map[string]*queue

	timers    timerHeap
	timerSeq  uint64
	wake      chan struct{}
	stop      chan struct{}
	schedDone chan struct{}

	// drains tracks the drain goroutines of the current connection.
	drains *sync.WaitGroup

	observers      map[int64]Observer
	nextObserverID int64

	events      []Event
	nextEventID int64
}

func New(cfg Config) *Broker {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 30 * time.Second
	}
	if cfg.HandlerTimeout < 0 {
		cfg.HandlerTimeout = 0
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 10000
	}
	if cfg.EventWaitMax <= 0 {
		cfg.EventWaitMax = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "chat-broker ", log.LstdFlags)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	return &Broker{
		cfg:       cfg,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
		queues:    map[string]*queue{},
		wake:      make(chan struct{}, 1),
		observers: map[int64]Observer{},
		events:    []Event{},
	}
}

// NewMessage returns a message with a fresh id and the current timestamp.
func NewMessage(msgType string, payload any) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

func (b *Broker) now() time.Time {
	return b.cfg.Clock().UTC()
}

func (b *Broker) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = newQueue(name)
		b.queues[name] = q
	}
	return q
}

func (b *Broker) publishLocked(eventType EventType, queueName string, data any, at time.Time) {
	b.nextEventID++
	b.events = append(b.events, Event{
		ID:    b.nextEventID,
		Type:  eventType,
		Queue: queueName,
		At:    at,
		Data:  data,
	})
	if max := b.cfg.MaxEvents; len(b.events) > max {
		drop := len(b.events) - max
		b.events = append([]Event{}, b.events[drop:]...)
	}
}

func (b *Broker) observersLocked() []Observer {
	ids := make([]int64, 0, len(b.observers))
	for id := range b.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Observer, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.observers[id])
	}
	return out
}

func normalizeQueueName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", NewValidationError("queue name is required")
	}
	return name, nil
}

func (b *Broker) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.connected = true
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.stop = make(chan struct{})
	b.schedDone = make(chan struct{})
	b.drains = &sync.WaitGroup{}
	go b.runScheduler(b.stop, b.schedDone)
	b.logger.Printf("connected provider=%s", b.Provider())
	return nil
}

// Disconnect cancels every armed timer and drops all queue state. It cancels
// the context of running deliveries and waits for them to return; their
// outcomes are discarded and no observer is called after it returns.
func (b *Broker) Disconnect() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	b.generation++
	b.cancel()
	timers := len(b.timers)
	b.timers = nil
	b.queues = map[string]*queue{}
	close(b.stop)
	done := b.schedDone
	drains := b.drains
	b.mu.Unlock()

	<-done
	drains.Wait()
	b.logger.Printf("disconnected cancelled_timers=%d", timers)
	return nil
}

func (b *Broker) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Broker) Provider() string {
	return "memory"
}

// Enqueue merges opts into msg, applies defaults and hands the message to the
// scheduler. Delivery always happens on another goroutine.
func (b *Broker) Enqueue(queueName string, msg Message, opts *EnqueueOptions) (*Message, error) {
	name, err := normalizeQueueName(queueName)
	if err != nil {
		return nil, err
	}

	m := msg
	if strings.TrimSpace(m.ID) == "" {
		m.ID = uuid.NewString()
	}
	if opts != nil {
		if opts.Priority != 0 {
			m.Priority = opts.Priority
		}
		if opts.MaxRetries != nil {
			m.MaxRetries = *opts.MaxRetries
		} else if m.MaxRetries == 0 {
			m.MaxRetries = DefaultMaxRetries
		}
		if opts.Delay != 0 {
			m.Delay = opts.Delay
		}
	} else if m.MaxRetries == 0 {
		m.MaxRetries = DefaultMaxRetries
	}
	if m.MaxRetries < 0 {
		m.MaxRetries = DefaultMaxRetries
	}
	if m.Priority == 0 {
		m.Priority = DefaultPriority
	}
	if m.Priority < MinPriority {
		m.Priority = MinPriority
	}
	if m.Priority > MaxPriority {
		m.Priority = MaxPriority
	}
	if m.Delay < 0 {
		m.Delay = 0
	}
	m.RetryCount = 0
	if m.Metadata != nil {
		meta := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			meta[k] = v
		}
		m.Metadata = meta
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, ErrNotConnected
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = b.now()
	}
	q := b.queueLocked(name)
	stored := &m
	b.scheduleLocked(q, stored, m.Delay, false)

	cp := m
	return &cp, nil
}

// Dequeue pops the head message for a consumer that pulls instead of
// subscribing. The message stays in flight until Complete is called.
func (b *Broker) Dequeue(queueName string) (*Message, bool, error) {
	name, err := normalizeQueueName(queueName)
	if err != nil {
		return nil, false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, false, ErrNotConnected
	}
	m, ok := b.queueLocked(name).popLocked(b.now())
	if !ok {
		return nil, false, nil
	}
	cp := *m
	return &cp, true, nil
}

func (b *Broker) Peek(queueName string) (*Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[strings.TrimSpace(queueName)]
	if !ok || len(q.pending) == 0 {
		return nil, false
	}
	cp := *q.pending[0]
	return &cp, true
}

// Complete settles a message obtained from Dequeue. A nil cause records
// success; otherwise the message goes through the retry policy.
func (b *Broker) Complete(queueName, messageID string, cause error) error {
	name, err := normalizeQueueName(queueName)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return ErrNotConnected
	}
	q, ok := b.queues[name]
	if !ok {
		b.mu.Unlock()
		return NewNotFoundError("queue not found")
	}
	if _, ok := q.inFlight[strings.TrimSpace(messageID)]; !ok {
		b.mu.Unlock()
		return NewNotFoundError("message is not in flight")
	}
	gen := b.generation
	b.mu.Unlock()

	b.settle(q, gen, strings.TrimSpace(messageID), cause)
	return nil
}

// Subscribe adds h to the fan-out list of the queue and starts draining any
// messages already waiting.
func (b *Broker) Subscribe(queueName string, h Handler) error {
	name, err := normalizeQueueName(queueName)
	if err != nil {
		return err
	}
	if h == nil {
		return NewValidationError("handler is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return ErrNotConnected
	}
	q := b.queueLocked(name)
	q.handlers = append(q.handlers, h)
	b.kickLocked(q)
	return nil
}

// Unsubscribe clears every handler of the queue. Deliveries already running
// finish normally.
func (b *Broker) Unsubscribe(queueName string) error {
	name, err := normalizeQueueName(queueName)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return ErrNotConnected
	}
	if q, ok := b.queues[name]; ok {
		q.handlers = nil
	}
	return nil
}

func (b *Broker) QueueSize(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[strings.TrimSpace(queueName)]
	if !ok {
		return 0
	}
	return len(q.pending)
}

// PurgeQueue drops every pending message. In-flight messages and armed
// timers are left alone.
func (b *Broker) PurgeQueue(queueName string) (int, error) {
	name, err := normalizeQueueName(queueName)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return 0, ErrNotConnected
	}
	q := b.queueLocked(name)
	n := q.purgeLocked()
	now := b.now()
	b.publishLocked(EventQueuePurged, name, map[string]any{"purged": n}, now)
	b.logger.Printf("purged queue=%s messages=%d", name, n)
	return n, nil
}

// DeleteQueue purges the queue, cancels its delay and retry timers and
// forgets it. Later references recreate it empty.
func (b *Broker) DeleteQueue(queueName string) error {
	name, err := normalizeQueueName(queueName)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return ErrNotConnected
	}
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	purged := q.purgeLocked()
	cancelled := b.cancelQueueTimersLocked(q)
	q.handlers = nil
	delete(b.queues, name)
	b.publishLocked(EventQueueDeleted, name, map[string]any{
		"purged":           purged,
		"cancelled_timers": cancelled,
	}, b.now())
	b.logger.Printf("deleted queue=%s purged=%d cancelled_timers=%d", name, purged, cancelled)
	return nil
}

// Stats returns the counters of one queue, or the aggregate over all queues
// when queueName is empty.
func (b *Broker) Stats(queueName string) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	name := strings.TrimSpace(queueName)
	if name == "" {
		return aggregateLocked(b.queues)
	}
	if !b.connected {
		return Stats{}
	}
	return b.queueLocked(name).snapshotLocked()
}

func (b *Broker) QueueNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.queues))
	for name := range b.queues {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// OnDeadLetter registers obs for dead-letter notifications. The returned func
// removes it.
func (b *Broker) OnDeadLetter(obs Observer) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextObserverID++
	id := b.nextObserverID
	b.observers[id] = obs
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.observers, id)
	}
}

// EventsSince returns retained events newer than afterID, waiting up to wait
// for at least one to arrive.
func (b *Broker) EventsSince(afterID int64, wait time.Duration) ([]Event, int64) {
	if wait < 0 {
		wait = 0
	}
	if wait > b.cfg.EventWaitMax {
		wait = b.cfg.EventWaitMax
	}
	deadline := time.Now().Add(wait)

	for {
		b.mu.Lock()
		out := []Event{}
		last := afterID
		for _, evt := range b.events {
			if evt.ID <= afterID {
				continue
			}
			out = append(out, evt)
			last = evt.ID
		}
		b.mu.Unlock()

		if len(out) > 0 || wait == 0 || time.Now().After(deadline) {
			return out, last
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (b *Broker) Health() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"healthy":  b.connected,
		"provider": b.Provider(),
		"queues":   len(b.queues),
		"timers":   len(b.timers),
		"events":   len(b.events),
	}
}
