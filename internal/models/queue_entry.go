package models

import "encoding/json"

// Operation is the kind of mutation a queue entry replays.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	return o == OperationCreate || o == OperationUpdate || o == OperationDelete
}

// QueueStatus is the lifecycle state of a queue entry.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCompleted  QueueStatus = "completed"
)

// QueueEntry is one durable, not yet acknowledged local mutation.
// ID doubles as the idempotency key sent with the remote write.
type QueueEntry struct {
	ID            string          `db:"id" json:"id"`
	Operation     Operation       `db:"operation" json:"operation"`
	EntityType    EntityType      `db:"entity_type" json:"entityType"`
	EntityID      string          `db:"entity_id" json:"entityId"`
	Payload       json.RawMessage `db:"payload" json:"payload,omitempty"`
	RecordVersion int64           `db:"record_version" json:"recordVersion"` // record version that produced the entry
	EnqueuedAt    int64           `db:"enqueued_at" json:"enqueuedAt"` // ms
	Seq           int64           `db:"seq" json:"seq"`
	Priority      int             `db:"priority" json:"priority"`
	Status        QueueStatus     `db:"status" json:"status"`
	Attempts      int             `db:"attempts" json:"attempts"`
	LastAttemptAt int64           `db:"last_attempt_at" json:"lastAttemptAt,omitempty"` // ms
	NextRetryAt   int64           `db:"next_retry_at" json:"nextRetryAt,omitempty"`     // ms
	ErrorMessage  string          `db:"error_message" json:"errorMessage,omitempty"`
	Terminal      bool            `db:"terminal" json:"terminal"`
}

// TableName returns the table name for QueueEntry.
func (QueueEntry) TableName() string {
	return "mutation_queue"
}

// Eligible reports whether the entry may be drained automatically.
func (q *QueueEntry) Eligible() bool {
	return q.Status == QueueStatusPending && !q.Terminal
}
