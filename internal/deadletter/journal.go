// Package deadletter keeps a queryable history of messages the broker gave up
// on. It observes dead-letter notifications and never feeds anything back
// into the broker.
package deadletter

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ianlintner/Example-React-AI-Chat-App-sub001/internal/broker"
)

type Record struct {
	ID             int64           `json:"id" db:"id"`
	Queue          string          `json:"queue_name" db:"queue_name"`
	MessageID      string          `json:"message_id" db:"message_id"`
	MessageType    string          `json:"message_type" db:"message_type"`
	UserID         string          `json:"user_id,omitempty" db:"user_id"`
	ConversationID string          `json:"conversation_id,omitempty" db:"conversation_id"`
	Priority       int             `json:"priority" db:"priority"`
	RetryCount     int             `json:"retry_count" db:"retry_count"`
	Error          string          `json:"error" db:"error"`
	Message        json.RawMessage `json:"message" db:"message"`
	DeadAt         time.Time       `json:"dead_at" db:"-"`
}

type Filter struct {
	Queue string
	Limit int
}

// Journal stores dead letters. Implementations are safe for concurrent use.
type Journal interface {
	Record(ctx context.Context, dl broker.DeadLetter) (Record, error)
	List(ctx context.Context, filter Filter) ([]Record, error)
	Count(ctx context.Context, queue string) (int, error)
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

const defaultListLimit = 50

func normalizeFilter(f Filter) Filter {
	f.Queue = strings.TrimSpace(f.Queue)
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	return f
}

func newRecord(dl broker.DeadLetter) (Record, error) {
	blob, err := json.Marshal(dl.Message)
	if err != nil {
		return Record{}, err
	}
	errText := ""
	if dl.Err != nil {
		errText = dl.Err.Error()
	}
	at := dl.At
	if at.IsZero() {
		at = time.Now()
	}
	return Record{
		Queue:          dl.Queue,
		MessageID:      dl.Message.ID,
		MessageType:    dl.Message.Type,
		UserID:         dl.Message.UserID,
		ConversationID: dl.Message.ConversationID,
		Priority:       dl.Message.Priority,
		RetryCount:     dl.Message.RetryCount,
		Error:          errText,
		Message:        blob,
		DeadAt:         at.UTC(),
	}, nil
}

// Observer adapts j to a broker dead-letter observer. Journal failures are
// logged; the broker has already finished with the message.
func Observer(j Journal, logger *log.Logger) broker.Observer {
	return func(dl broker.DeadLetter) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rec, err := j.Record(ctx, dl)
		if err != nil {
			logger.Printf("dead-letter journal write failed queue=%s id=%s err=%v", dl.Queue, dl.Message.ID, err)
			return
		}
		logger.Printf("dead-letter journaled record=%d queue=%s id=%s", rec.ID, rec.Queue, rec.MessageID)
	}
}

// MemoryJournal keeps the most recent records in process memory.
type MemoryJournal struct {
	mu         sync.Mutex
	records    []Record
	nextID     int64
	maxRecords int
}

func NewMemoryJournal(maxRecords int) *MemoryJournal {
	if maxRecords <= 0 {
		maxRecords = 10000
	}
	return &MemoryJournal{records: []Record{}, maxRecords: maxRecords}
}

func (m *MemoryJournal) Record(_ context.Context, dl broker.DeadLetter) (Record, error) {
	rec, err := newRecord(dl)
	if err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	m.records = append(m.records, rec)
	if len(m.records) > m.maxRecords {
		drop := len(m.records) - m.maxRecords
		m.records = append([]Record{}, m.records[drop:]...)
	}
	return rec, nil
}

func (m *MemoryJournal) List(_ context.Context, filter Filter) ([]Record, error) {
	filter = normalizeFilter(filter)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Record{}
	for i := len(m.records) - 1; i >= 0 && len(out) < filter.Limit; i-- {
		if filter.Queue != "" && m.records[i].Queue != filter.Queue {
			continue
		}
		out = append(out, m.records[i])
	}
	return out, nil
}

func (m *MemoryJournal) Count(_ context.Context, queue string) (int, error) {
	queue = strings.TrimSpace(queue)
	m.mu.Lock()
	defer m.mu.Unlock()
	if queue == "" {
		return len(m.records), nil
	}
	n := 0
	for _, r := range m.records {
		if r.Queue == queue {
			n++
		}
	}
	return n, nil
}

func (m *MemoryJournal) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	removed := 0
	for _, r := range m.records {
		if r.DeadAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return removed, nil
}

func (m *MemoryJournal) Close() error { return nil }

func (m *MemoryJournal) snapshot() ([]Record, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record{}, m.records...), m.nextID
}

func (m *MemoryJournal) restore(records []Record, nextID int64) {
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append([]Record{}, records...)
	m.nextID = nextID
}

var _ Journal = (*MemoryJournal)(nil)
