package broker

import "time"

type inflightEntry struct {
	msg     *Message
	started time.Time
}

type queue struct {
	name     string
	pending  []*Message
	handlers []Handler
	inFlight map[string]inflightEntry
	timers   map[*timerEntry]struct{}
	stats    queueStats
	draining bool
}

func newQueue(name string) *queue {
	return &queue{
		name:     name,
		pending:  []*Message{},
		inFlight: map[string]inflightEntry{},
		timers:   map[*timerEntry]struct{}{},
	}
}

// insertLocked places m before the first pending message with a strictly
// lower priority, so equal priorities keep admission order.
func (q *queue) insertLocked(m *Message) {
	idx := len(q.pending)
	for i, existing := range q.pending {
		if existing.Priority < m.Priority {
			idx = i
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = m
}

func (q *queue) popLocked(now time.Time) (*Message, bool) {
	if len(q.pending) == 0 {
		return nil, false
	}
	m := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.stats.processing++
	q.inFlight[m.ID] = inflightEntry{msg: m, started: now}
	return m, true
}

// settleLocked removes an in-flight message. It reports false when the id is
// unknown, e.g. after the queue was purged by a disconnect.
func (q *queue) settleLocked(id string) (inflightEntry, bool) {
	f, ok := q.inFlight[id]
	if !ok {
		return inflightEntry{}, false
	}
	delete(q.inFlight, id)
	if q.stats.processing > 0 {
		q.stats.processing--
	}
	return f, true
}

func (q *queue) purgeLocked() int {
	n := len(q.pending)
	q.pending = []*Message{}
	return n
}
