package store

import (
	"database/sql"
	"time"

	jsoniter "github.com/json-iterator/go"

	sdkerrors "github.com/spotflow-io/device-sdk-go/internal/errors"
	"github.com/spotflow-io/device-sdk-go/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SaveC2DMessage appends a cloud-to-device message to the local inbox and
// returns its inbox sequence number. Persisting before acknowledging the
// platform keeps delivery at-least-once across a crash.
func (s *Store) SaveC2DMessage(content []byte, properties map[string]string) (int64, error) {
	encoded, err := json.Marshal(properties)
	if err != nil {
		return 0, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to encode message properties", err)
	}

	res, err := s.db.Exec(
		"INSERT INTO c2d_messages (content, properties, created_at) VALUES (?, ?, ?)",
		content, string(encoded), time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to save cloud-to-device message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to read saved message id", err)
	}
	return id, nil
}

// NextC2DMessage returns the oldest inbox message, or nil when the inbox is
// empty. The message stays in the inbox until RemoveC2DMessage.
func (s *Store) NextC2DMessage() (*models.C2DMessage, error) {
	var msg models.C2DMessage
	var properties string
	err := s.db.QueryRow(
		"SELECT id, content, properties, created_at FROM c2d_messages ORDER BY id ASC LIMIT 1",
	).Scan(&msg.ID, &msg.Content, &properties, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to load cloud-to-device message", err)
	}
	if err := json.Unmarshal([]byte(properties), &msg.Properties); err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.ErrStorageCorrupt, "failed to decode message properties", err)
	}
	return &msg, nil
}

// RemoveC2DMessage deletes a consumed message from the inbox.
func (s *Store) RemoveC2DMessage(id int64) error {
	if _, err := s.db.Exec("DELETE FROM c2d_messages WHERE id = ?", id); err != nil {
		return sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to remove cloud-to-device message", err)
	}
	return nil
}

// PendingC2DCount returns the number of inbox messages not yet consumed.
func (s *Store) PendingC2DCount() (int, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM c2d_messages").Scan(&count); err != nil {
		return 0, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to count cloud-to-device messages", err)
	}
	return count, nil
}
