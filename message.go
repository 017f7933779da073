package spotflow

import "github.com/spotflow-io/device-sdk-go/internal/models"

// Compression selects how a message payload is compressed before upload.
// Compression never changes the payload the platform receives, only the
// bytes on the wire.
type Compression int

const (
	// CompressionNone sends the payload as-is.
	CompressionNone Compression = iota
	// CompressionFastest favors throughput over ratio.
	CompressionFastest
	// CompressionSmallestSize favors ratio over throughput.
	CompressionSmallestSize
)

// MessageOptions are the optional per-message settings.
type MessageOptions struct {
	// BatchID groups messages into a batch. A batch is opened implicitly
	// by its first message and closed by EnqueueBatchCompletion.
	BatchID string

	// MessageID identifies the message for platform-side de-duplication
	// across delivery retries.
	MessageID string

	Compression Compression
}

func (o *MessageOptions) toEntry(streamGroup, stream string, payload []byte) *models.QueueEntry {
	entry := &models.QueueEntry{
		StreamGroup: streamGroup,
		Stream:      stream,
		Payload:     payload,
	}
	if o != nil {
		entry.BatchID = o.BatchID
		entry.MessageID = o.MessageID
		entry.Compression = models.Compression(o.Compression)
	}
	return entry
}

// DesiredProperties is a versioned snapshot of the device's desired
// properties document.
type DesiredProperties struct {
	Version  uint64
	Document []byte
}

// C2DMessage is a cloud-to-device message delivered to the application.
type C2DMessage struct {
	Content    []byte
	Properties map[string]string
}
