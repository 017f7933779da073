package models

// DesiredTwin is a versioned snapshot of the desired properties document.
// Versions are monotonic: a snapshot with a version lower than or equal to
// the current one is never applied.
type DesiredTwin struct {
	Version  uint64
	Document []byte
}

// ReportedUpdate is a staged reported-properties document awaiting upload.
// The submission ID ties a cloud acknowledgment back to the exact staged
// document; an acknowledgment for a superseded submission is ignored.
type ReportedUpdate struct {
	ID           int64
	SubmissionID string
	Document     []byte
	CreatedAt    int64
}
