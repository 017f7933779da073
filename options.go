package spotflow

import (
	"io"
	"time"

	sdkerrors "github.com/spotflow-io/device-sdk-go/internal/errors"
	"github.com/spotflow-io/device-sdk-go/internal/logging"
)

// DefaultInstanceURL is the platform instance used when Options.InstanceURL
// is empty.
const DefaultInstanceURL = "https://api.eu1.spotflow.io"

// LogLevel controls the client's log verbosity.
type LogLevel = logging.LogLevel

const (
	LogDebug = logging.LevelDebug
	LogInfo  = logging.LevelInfo
	LogWarn  = logging.LevelWarn
	LogError = logging.LevelError
)

// ProvisioningOperation is passed to the display callback so the host
// application can show the verification code to the operator who approves
// the device.
type ProvisioningOperation struct {
	ID               string
	VerificationCode string
	ExpirationTime   time.Time
}

// Options configures a client. ProvisioningToken and DatabaseFile are
// required; everything else has a usable default.
type Options struct {
	// DeviceID is the device ID to request during provisioning. Leave
	// empty to let the platform assign one. Once provisioned, the
	// platform-assigned ID is authoritative; read it with
	// Client.DeviceID.
	DeviceID string

	// ProvisioningToken authenticates the provisioning flow.
	ProvisioningToken string

	// DatabaseFile is the path of the local SQLite file holding queued
	// messages and cached state. One client per path at a time.
	DatabaseFile string

	// InstanceURL selects the platform instance. Empty selects
	// DefaultInstanceURL.
	InstanceURL string

	// DisplayProvisioningOperation is invoked once per provisioning
	// attempt with the verification code. Optional; without it the code
	// is only written to the log.
	DisplayProvisioningOperation func(operation ProvisioningOperation)

	// LogLevel filters log output. Empty selects LogInfo.
	LogLevel LogLevel

	// LogOutput receives JSON log lines. Nil selects stderr.
	LogOutput io.Writer
}

func (o *Options) validate() error {
	if o.ProvisioningToken == "" {
		return sdkerrors.New(sdkerrors.ErrInvalidArgument, "provisioning token is required")
	}
	if o.DatabaseFile == "" {
		return sdkerrors.New(sdkerrors.ErrInvalidArgument, "database file is required")
	}
	return nil
}

func (o *Options) instanceURL() string {
	if o.InstanceURL == "" {
		return DefaultInstanceURL
	}
	return o.InstanceURL
}
