package broker

import (
	"context"
	"time"
)

const (
	TypeChatMessage     = "chat_message"
	TypeAgentResponse   = "agent_response"
	TypeProactiveAction = "proactive_action"
	TypeStreamChunk     = "stream_chunk"
)

const (
	QueueChatMessages    = "chat_messages"
	QueueAgentResponses  = "agent_responses"
	QueueProactiveAction = "proactive_actions"
	QueueStreamChunks    = "stream_chunks"
)

// Conventional producer priorities. The broker does not enforce them.
const (
	PriorityChatMessage     = 5
	PriorityAgentResponse   = 6
	PriorityProactiveAction = 7
	PriorityStreamChunk     = 8
)

const (
	MinPriority       = 1
	MaxPriority       = 10
	DefaultPriority   = 5
	DefaultMaxRetries = 3
)

// Message is one unit of work. Fields other than RetryCount are fixed once the
// message has been enqueued.
type Message struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Payload        any            `json:"payload,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Priority       int            `json:"priority"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	Delay          time.Duration  `json:"-"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// EnqueueOptions override the corresponding message fields when set.
type EnqueueOptions struct {
	Priority   int
	MaxRetries *int
	Delay      time.Duration
}

// Handler receives a copy of every message delivered on a queue. A non-nil
// error fails the whole delivery.
type Handler func(ctx context.Context, msg Message) error

// DeadLetter is emitted once for each message that exhausted its retries.
type DeadLetter struct {
	Queue   string    `json:"queue_name"`
	Message Message   `json:"message"`
	Err     error     `json:"-"`
	At      time.Time `json:"at"`
}

// Observer is notified of dead letters. It runs on the dispatch goroutine and
// should not block.
type Observer func(DeadLetter)

type EventType string

const (
	EventDeadLetter     EventType = "dead_letter"
	EventRetryScheduled EventType = "retry_scheduled"
	EventQueuePurged    EventType = "queue_purged"
	EventQueueDeleted   EventType = "queue_deleted"
)

type Event struct {
	ID    int64     `json:"id"`
	Type  EventType `json:"type"`
	Queue string    `json:"queue_name"`
	At    time.Time `json:"at"`
	Data  any       `json:"data"`
}

type Stats struct {
	TotalMessages      int64   `json:"totalMessages"`
	PendingMessages    int64   `json:"pendingMessages"`
	ProcessingMessages int64   `json:"processingMessages"`
	CompletedMessages  int64   `json:"completedMessages"`
	FailedMessages     int64   `json:"failedMessages"`
	AvgProcessingTime  float64 `json:"avgProcessingTime"`
	Subscribers        int     `json:"subscribers"`
}
