package broker

import (
	"container/heap"
	"time"
)

// schedulerIdle is how long the scheduler sleeps when no timer is armed. Any
// new timer wakes it early.
const schedulerIdle = time.Minute

type timerEntry struct {
	at    time.Time
	seq   uint64
	index int
	q     *queue
	msg   *Message
	retry bool
}

// timerHeap orders pending admissions by deadline, then by arming order.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// scheduleLocked admits m now or arms a timer for it. retry marks a
// re-admission after a failed delivery, which is not counted in total.
func (b *Broker) scheduleLocked(q *queue, m *Message, delay time.Duration, retry bool) {
	if delay <= 0 {
		b.admitLocked(q, m, retry)
		return
	}
	b.timerSeq++
	e := &timerEntry{
		at:    b.now().Add(delay),
		seq:   b.timerSeq,
		q:     q,
		msg:   m,
		retry: retry,
	}
	heap.Push(&b.timers, e)
	q.timers[e] = struct{}{}
	b.wakeScheduler()
}

func (b *Broker) admitLocked(q *queue, m *Message, retry bool) {
	if !retry {
		q.stats.total++
	}
	q.insertLocked(m)
	b.kickLocked(q)
}

func (b *Broker) cancelTimerLocked(e *timerEntry) {
	if e.index >= 0 && e.index < len(b.timers) && b.timers[e.index] == e {
		heap.Remove(&b.timers, e.index)
	}
	delete(e.q.timers, e)
}

func (b *Broker) cancelQueueTimersLocked(q *queue) int {
	n := 0
	for e := range q.timers {
		b.cancelTimerLocked(e)
		n++
	}
	return n
}

func (b *Broker) wakeScheduler() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// fireDueLocked admits every entry whose deadline has passed and returns the
// wait until the next deadline.
func (b *Broker) fireDueLocked() time.Duration {
	now := b.now()
	for len(b.timers) > 0 {
		e := b.timers[0]
		if e.at.After(now) {
			return e.at.Sub(now)
		}
		heap.Pop(&b.timers)
		delete(e.q.timers, e)
		if b.queues[e.q.name] != e.q {
			continue
		}
		b.admitLocked(e.q, e.msg, e.retry)
	}
	return schedulerIdle
}

func (b *Broker) runScheduler(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(schedulerIdle)
	defer timer.Stop()
	for {
		b.mu.Lock()
		wait := b.fireDueLocked()
		b.mu.Unlock()
		timer.Reset(wait)

		select {
		case <-stop:
			return
		case <-b.wake:
		case <-timer.C:
		}
	}
}
