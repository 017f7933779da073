// Package cloud talks to the Spotflow platform over HTTPS: device
// provisioning and registration on the control plane, message ingestion and
// twin synchronization on the data plane.
package cloud

import (
	"context"
	"errors"

	"github.com/spotflow-io/device-sdk-go/internal/models"
)

// ErrOperationPending is returned by CompleteProvisioning while the
// provisioning operation is still awaiting operator approval.
var ErrOperationPending = errors.New("provisioning operation pending approval")

// Registration is the identity assigned to a device when it registers with
// a valid registration token.
type Registration struct {
	WorkspaceID string
	DeviceID    string
}

// C2DEnvelope is a cloud-to-device message as delivered by the platform.
// The ID is the platform's message identifier, used only to acknowledge
// receipt; the local inbox assigns its own sequence numbers.
type C2DEnvelope struct {
	ID         string
	Content    []byte
	Properties map[string]string
}

// API is the platform surface the SDK depends on. Production code uses the
// HTTP client; tests substitute a fake.
type API interface {
	// InitProvisioning starts a provisioning operation for the given
	// provisioning token and optional requested device ID. The returned
	// operation carries the verification code shown to the operator.
	InitProvisioning(ctx context.Context, provisioningToken, requestedDeviceID string) (*models.ProvisioningOperation, error)

	// CompleteProvisioning polls a provisioning operation for its outcome.
	// It returns ErrOperationPending while approval is outstanding, the
	// registration token once approved, and a coded error once the
	// operation was cancelled or has expired.
	CompleteProvisioning(ctx context.Context, provisioningToken, operationID string) (*models.RegistrationToken, error)

	// RegisterDevice exchanges a registration token for the device
	// identity and opens the data-plane session.
	RegisterDevice(ctx context.Context, token models.RegistrationToken) (*Registration, error)

	// UseRegistration restores a persisted registration instead of going
	// through RegisterDevice again.
	UseRegistration(reg *Registration, token models.RegistrationToken)

	// SendMessage uploads one message. The payload is the wire payload,
	// already compressed when the entry requests compression.
	SendMessage(ctx context.Context, entry *models.QueueEntry, payload []byte) error

	// SendBatchCompletion tells the platform that no more messages will
	// arrive for the entry's batch.
	SendBatchCompletion(ctx context.Context, entry *models.QueueEntry) error

	// FetchDesiredProperties returns the current desired-properties
	// snapshot, or nil when the document hasn't changed past afterVersion.
	FetchDesiredProperties(ctx context.Context, afterVersion uint64) (*models.DesiredTwin, error)

	// SendReportedProperties uploads a reported-properties document. The
	// submission ID is echoed back in the platform's acknowledgment.
	SendReportedProperties(ctx context.Context, submissionID string, document []byte) error

	// FetchC2DMessages returns cloud-to-device messages waiting at the
	// platform. Messages stay there until acknowledged.
	FetchC2DMessages(ctx context.Context) ([]C2DEnvelope, error)

	// AckC2DMessage confirms receipt of a cloud-to-device message so the
	// platform stops redelivering it.
	AckC2DMessage(ctx context.Context, messageID string) error
}
