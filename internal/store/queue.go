package store

import (
	"time"

	sdkerrors "github.com/spotflow-io/device-sdk-go/internal/errors"
	"github.com/spotflow-io/device-sdk-go/internal/models"
)

// EnqueueMessage appends a message entry to the durable queue and returns
// the assigned sequence number. The entry is committed before the call
// returns, so a crash immediately after a successful return cannot lose it.
// A message carrying a batch ID also opens that batch, durably, so a later
// completion stays valid after the message itself has been delivered.
func (s *Store) EnqueueMessage(entry *models.QueueEntry) (int64, error) {
	if entry.StreamGroup == "" || entry.Stream == "" {
		return 0, sdkerrors.New(sdkerrors.ErrInvalidArgument, "stream group and stream must not be empty")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO messages (stream_group, stream, batch_id, message_id, payload, close_option, compression, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.StreamGroup, entry.Stream, entry.BatchID, entry.MessageID,
		entry.Payload, int(entry.CloseOption), int(entry.Compression), time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to enqueue message", err)
	}

	if entry.BatchID != "" {
		if _, err := tx.Exec(
			`INSERT INTO batches (stream_group, stream, batch_id, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT DO NOTHING`,
			entry.StreamGroup, entry.Stream, entry.BatchID, time.Now().UnixMilli(),
		); err != nil {
			return 0, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to record batch", err)
		}
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to read enqueued message id", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to commit enqueued message", err)
	}
	return id, nil
}

// EnqueueBatchCompletion appends a batch-completion entry for the given
// batch. At least one message of the batch must have been enqueued at this
// store path first — delivered messages count, the batch record outlives
// the queue entries — and completing an unknown batch is an
// INVALID_ARGUMENT. The check and the insert run in one transaction.
func (s *Store) EnqueueBatchCompletion(streamGroup, stream, batchID string) (int64, error) {
	if streamGroup == "" || stream == "" || batchID == "" {
		return 0, sdkerrors.New(sdkerrors.ErrInvalidArgument, "stream group, stream and batch id must not be empty")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	var known int
	err = tx.QueryRow(
		"SELECT COUNT(*) FROM batches WHERE stream_group = ? AND stream = ? AND batch_id = ?",
		streamGroup, stream, batchID,
	).Scan(&known)
	if err != nil {
		return 0, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to look up batch", err)
	}
	if known == 0 {
		return 0, sdkerrors.Newf(sdkerrors.ErrInvalidArgument, "batch %q has no enqueued messages", batchID)
	}

	res, err := tx.Exec(
		`INSERT INTO messages (stream_group, stream, batch_id, payload, close_option, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		streamGroup, stream, batchID, []byte{}, int(models.CloseBatch), time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to enqueue batch completion", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to read enqueued entry id", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to commit batch completion", err)
	}
	return id, nil
}

// PendingCount returns the number of queue entries not yet uploaded.
func (s *Store) PendingCount() (int, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count); err != nil {
		return 0, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to count pending messages", err)
	}
	return count, nil
}

// ListEntriesAfter returns up to limit queue entries with an ID strictly
// greater than afterID, in ascending ID order. Pass afterID 0 to start from
// the oldest entry.
func (s *Store) ListEntriesAfter(afterID int64, limit int) ([]*models.QueueEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, stream_group, stream, batch_id, message_id, payload, close_option, compression, created_at
		 FROM messages WHERE id > ? ORDER BY id ASC LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to list queue entries", err)
	}
	defer rows.Close()

	var entries []*models.QueueEntry
	for rows.Next() {
		var e models.QueueEntry
		var closeOption, compression int
		if err := rows.Scan(&e.ID, &e.StreamGroup, &e.Stream, &e.BatchID, &e.MessageID,
			&e.Payload, &closeOption, &compression, &e.CreatedAt); err != nil {
			return nil, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to scan queue entry", err)
		}
		e.CloseOption = models.CloseOption(closeOption)
		e.Compression = models.Compression(compression)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to iterate queue entries", err)
	}
	return entries, nil
}

// RemoveEntry deletes an uploaded entry from the queue.
func (s *Store) RemoveEntry(id int64) error {
	if _, err := s.db.Exec("DELETE FROM messages WHERE id = ?", id); err != nil {
		return sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to remove queue entry", err)
	}
	return nil
}
