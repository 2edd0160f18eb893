package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/ianlintner/Example-React-AI-Chat-App-sub001/internal/broker"
)

// SQLiteJournal writes every dead letter through to a SQLite table.
type SQLiteJournal struct {
	db *sqlx.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	queue_name      TEXT NOT NULL,
	message_id      TEXT NOT NULL,
	message_type    TEXT NOT NULL DEFAULT '',
	user_id         TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL DEFAULT '',
	priority        INTEGER NOT NULL DEFAULT 5,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	message         TEXT NOT NULL DEFAULT '{}',
	dead_at         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS dead_letters_queue ON dead_letters (queue_name, id);
CREATE INDEX IF NOT EXISTS dead_letters_dead_at ON dead_letters (dead_at);
`

type sqliteRow struct {
	ID             int64  `db:"id"`
	Queue          string `db:"queue_name"`
	MessageID      string `db:"message_id"`
	MessageType    string `db:"message_type"`
	UserID         string `db:"user_id"`
	ConversationID string `db:"conversation_id"`
	Priority       int    `db:"priority"`
	RetryCount     int    `db:"retry_count"`
	Error          string `db:"error"`
	Message        string `db:"message"`
	DeadAt         string `db:"dead_at"`
}

// timeLayout is fixed width so dead_at sorts and compares as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func timeToString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func toRow(r Record) sqliteRow {
	return sqliteRow{
		ID:             r.ID,
		Queue:          r.Queue,
		MessageID:      r.MessageID,
		MessageType:    r.MessageType,
		UserID:         r.UserID,
		ConversationID: r.ConversationID,
		Priority:       r.Priority,
		RetryCount:     r.RetryCount,
		Error:          r.Error,
		Message:        string(r.Message),
		DeadAt:         timeToString(r.DeadAt),
	}
}

func (r sqliteRow) record() Record {
	at, _ := time.Parse(timeLayout, r.DeadAt)
	msg := json.RawMessage(r.Message)
	if !json.Valid(msg) {
		msg = json.RawMessage("{}")
	}
	return Record{
		ID:             r.ID,
		Queue:          r.Queue,
		MessageID:      r.MessageID,
		MessageType:    r.MessageType,
		UserID:         r.UserID,
		ConversationID: r.ConversationID,
		Priority:       r.Priority,
		RetryCount:     r.RetryCount,
		Error:          r.Error,
		Message:        msg,
		DeadAt:         at,
	}
}

func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

func (s *SQLiteJournal) Close() error {
	return s.db.Close()
}

func (s *SQLiteJournal) Record(ctx context.Context, dl broker.DeadLetter) (Record, error) {
	rec, err := newRecord(dl)
	if err != nil {
		return Record{}, err
	}
	res, err := s.db.NamedExecContext(ctx, `INSERT INTO dead_letters
		(queue_name, message_id, message_type, user_id, conversation_id, priority, retry_count, error, message, dead_at)
		VALUES (:queue_name, :message_id, :message_type, :user_id, :conversation_id, :priority, :retry_count, :error, :message, :dead_at)`,
		toRow(rec))
	if err != nil {
		return Record{}, fmt.Errorf("insert dead letter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Record{}, err
	}
	rec.ID = id
	return rec, nil
}

func (s *SQLiteJournal) List(ctx context.Context, filter Filter) ([]Record, error) {
	filter = normalizeFilter(filter)
	var where []string
	var args []any
	if filter.Queue != "" {
		where = append(where, "queue_name = ?")
		args = append(args, filter.Queue)
	}
	query := "SELECT * FROM dead_letters"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, filter.Limit)

	var rows []sqliteRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (s *SQLiteJournal) Count(ctx context.Context, queue string) (int, error) {
	var n int
	queue = strings.TrimSpace(queue)
	if queue == "" {
		err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM dead_letters")
		return n, err
	}
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM dead_letters WHERE queue_name = ?", queue)
	return n, err
}

func (s *SQLiteJournal) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM dead_letters WHERE dead_at < ?", timeToString(before))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

var _ Journal = (*SQLiteJournal)(nil)
