package store

import (
	"database/sql"
	"time"

	sdkerrors "github.com/spotflow-io/device-sdk-go/internal/errors"
	"github.com/spotflow-io/device-sdk-go/internal/models"
)

// LoadDesiredTwin returns the last persisted desired-properties snapshot,
// or nil when none has been stored yet.
func (s *Store) LoadDesiredTwin() (*models.DesiredTwin, error) {
	var twin models.DesiredTwin
	err := s.db.QueryRow("SELECT version, document FROM desired_twin WHERE id = 0").
		Scan(&twin.Version, &twin.Document)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to load desired properties", err)
	}
	return &twin, nil
}

// SaveDesiredTwin persists a desired-properties snapshot, replacing the
// previous one. Version ordering is enforced by the caller.
func (s *Store) SaveDesiredTwin(twin *models.DesiredTwin) error {
	_, err := s.db.Exec(
		`INSERT INTO desired_twin (id, version, document) VALUES (0, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET version = excluded.version, document = excluded.document`,
		twin.Version, twin.Document,
	)
	if err != nil {
		return sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to save desired properties", err)
	}
	return nil
}

// StageReportedUpdate replaces any staged reported-properties documents with
// the given one. Only the latest full document needs to reach the cloud, so
// superseded documents are dropped rather than queued.
func (s *Store) StageReportedUpdate(update *models.ReportedUpdate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM reported_updates"); err != nil {
		return sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to drop superseded reported updates", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO reported_updates (submission_id, document, created_at) VALUES (?, ?, ?)",
		update.SubmissionID, update.Document, time.Now().UnixMilli(),
	); err != nil {
		return sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to stage reported update", err)
	}

	if err := tx.Commit(); err != nil {
		return sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to commit reported update", err)
	}
	return nil
}

// LatestReportedUpdate returns the staged reported-properties document
// awaiting upload, or nil when there is none.
func (s *Store) LatestReportedUpdate() (*models.ReportedUpdate, error) {
	var update models.ReportedUpdate
	err := s.db.QueryRow(
		"SELECT id, submission_id, document, created_at FROM reported_updates ORDER BY id DESC LIMIT 1",
	).Scan(&update.ID, &update.SubmissionID, &update.Document, &update.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to load reported update", err)
	}
	return &update, nil
}

// AckReportedUpdate removes a staged document once the cloud has confirmed
// it. The submission ID scopes the delete so an acknowledgment arriving after
// a newer document was staged leaves the newer one pending.
func (s *Store) AckReportedUpdate(submissionID string) error {
	if _, err := s.db.Exec("DELETE FROM reported_updates WHERE submission_id = ?", submissionID); err != nil {
		return sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to acknowledge reported update", err)
	}
	return nil
}

// AnyPendingReportedUpdates reports whether a staged reported-properties
// document is still awaiting cloud confirmation.
func (s *Store) AnyPendingReportedUpdates() (bool, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM reported_updates").Scan(&count); err != nil {
		return false, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to count reported updates", err)
	}
	return count > 0, nil
}
