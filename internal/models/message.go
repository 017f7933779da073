// Package models provides data model definitions for the Device SDK.
package models

// Compression selects how a message payload is compressed before transmission.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionFastest
	CompressionSmallestSize
)

// CloseOption marks what a queue entry closes in addition to carrying data.
type CloseOption int

const (
	CloseNone CloseOption = iota
	// CloseBatch marks the entry as an explicit batch completion.
	CloseBatch
)

// QueueEntry is the persisted unit of the durable queue: either a message
// or a batch completion. The ID is the monotonically increasing sequence
// number assigned by the store at enqueue time.
type QueueEntry struct {
	ID          int64
	StreamGroup string
	Stream      string
	BatchID     string
	MessageID   string
	Payload     []byte
	CloseOption CloseOption
	Compression Compression
	CreatedAt   int64
}

// IsBatchCompletion reports whether the entry closes a batch rather than
// carrying a message payload.
func (e *QueueEntry) IsBatchCompletion() bool {
	return e.CloseOption == CloseBatch
}
