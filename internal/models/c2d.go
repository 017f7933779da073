package models

// C2DMessage is a cloud-to-device message held in the local inbox until the
// application consumes it. The ID is the local inbox sequence number, not a
// platform identifier.
type C2DMessage struct {
	ID         int64
	Content    []byte
	Properties map[string]string
	CreatedAt  int64
}
