package deadletter

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ianlintner/Example-React-AI-Chat-App-sub001/internal/broker"
)

type fileState struct {
	NextID  int64    `json:"next_id"`
	Records []Record `json:"records"`
}

// FileJournal is a MemoryJournal that rewrites a JSON snapshot after every
// change.
type FileJournal struct {
	inner          *MemoryJournal
	path           string
	mu             sync.Mutex
	lastPersistErr string
}

func NewFileJournal(path string, maxRecords int) (*FileJournal, error) {
	fj := &FileJournal{
		inner: NewMemoryJournal(maxRecords),
		path:  path,
	}
	if err := fj.load(); err != nil {
		return nil, err
	}
	return fj, nil
}

func (f *FileJournal) persist() error {
	if f.path == "" {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	records, nextID := f.inner.snapshot()
	blob, err := json.MarshalIndent(fileState{NextID: nextID, Records: records}, "", "  ")
	if err != nil {
		f.lastPersistErr = err.Error()
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		f.lastPersistErr = err.Error()
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		f.lastPersistErr = err.Error()
		return err
	}
	if err := os.Rename(tmp, f.path); err != nil {
		f.lastPersistErr = err.Error()
		return err
	}
	f.lastPersistErr = ""
	return nil
}

func (f *FileJournal) load() error {
	if f.path == "" {
		return nil
	}
	blob, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var state fileState
	if err := json.Unmarshal(blob, &state); err != nil {
		return err
	}
	f.inner.restore(state.Records, state.NextID)
	return nil
}

func (f *FileJournal) Record(ctx context.Context, dl broker.DeadLetter) (Record, error) {
	rec, err := f.inner.Record(ctx, dl)
	if err != nil {
		return Record{}, err
	}
	if perr := f.persist(); perr != nil {
		return Record{}, perr
	}
	return rec, nil
}

func (f *FileJournal) List(ctx context.Context, filter Filter) ([]Record, error) {
	return f.inner.List(ctx, filter)
}

func (f *FileJournal) Count(ctx context.Context, queue string) (int, error) {
	return f.inner.Count(ctx, queue)
}

func (f *FileJournal) Prune(ctx context.Context, before time.Time) (int, error) {
	n, err := f.inner.Prune(ctx, before)
	if err != nil || n == 0 {
		return n, err
	}
	return n, f.persist()
}

func (f *FileJournal) Close() error {
	return f.persist()
}

// LastPersistError reports the most recent snapshot failure, if any.
func (f *FileJournal) LastPersistError() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPersistErr
}

var _ Journal = (*FileJournal)(nil)
