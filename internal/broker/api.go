package broker

import "time"

// API is the broker surface used by the HTTP layer and in-process producers.
type API interface {
	Connect() error
	Disconnect() error
	IsHealthy() bool
	Provider() string
	Enqueue(queueName string, msg Message, opts *EnqueueOptions) (*Message, error)
	Dequeue(queueName string) (*Message, bool, error)
	Peek(queueName string) (*Message, bool)
	Complete(queueName, messageID string, cause error) error
	Subscribe(queueName string, h Handler) error
	Unsubscribe(queueName string) error
	QueueSize(queueName string) int
	PurgeQueue(queueName string) (int, error)
	DeleteQueue(queueName string) error
	Stats(queueName string) Stats
	QueueNames() []string
	OnDeadLetter(obs Observer) func()
	EventsSince(afterID int64, wait time.Duration) ([]Event, int64)
	Health() map[string]any
}

var _ API = (*Broker)(nil)
