// Package provision drives the one-time provisioning flow: it opens a
// provisioning operation, surfaces the verification code to the operator,
// and polls the platform until the operation is approved or closed.
package provision

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/spotflow-io/device-sdk-go/internal/cloud"
	sdkerrors "github.com/spotflow-io/device-sdk-go/internal/errors"
	"github.com/spotflow-io/device-sdk-go/internal/logging"
	"github.com/spotflow-io/device-sdk-go/internal/models"
)

// State is the engine's position in the provisioning flow.
type State int

const (
	StateIdle State = iota
	StateAwaitingApproval
	StateApproved
	StateRejected
	StateExpired
)

// DefaultPollInterval is how often the engine asks whether the operator has
// approved the operation.
const DefaultPollInterval = 5 * time.Second

// DisplayFunc receives the provisioning operation so the integration can
// show the verification code to the operator. It is called at most once per
// operation.
type DisplayFunc func(operation models.ProvisioningOperation)

// Engine runs the provisioning flow against the platform.
type Engine struct {
	api          cloud.API
	logger       *logging.Logger
	display      DisplayFunc
	pollInterval time.Duration

	mu    sync.Mutex
	state State
}

// New creates an engine. display may be nil when the integration has no way
// to show the verification code. pollInterval 0 selects the default.
func New(api cloud.API, logger *logging.Logger, display DisplayFunc, pollInterval time.Duration) *Engine {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Engine{
		api:          api,
		logger:       logger,
		display:      display,
		pollInterval: pollInterval,
	}
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Init opens a provisioning operation and invokes the display callback with
// its verification code. A rejected provisioning token fails here, before
// any waiting starts.
func (e *Engine) Init(ctx context.Context, provisioningToken, requestedDeviceID string) (*models.ProvisioningOperation, error) {
	op, err := e.api.InitProvisioning(ctx, provisioningToken, requestedDeviceID)
	if err != nil {
		e.setState(StateRejected)
		return nil, err
	}
	e.setState(StateAwaitingApproval)

	e.logger.Info("provisioning operation opened", map[string]any{
		"operationId":      op.ID,
		"verificationCode": op.VerificationCode,
	})
	if e.display != nil {
		e.display(*op)
	}
	return op, nil
}

// WaitForApproval polls the operation until the operator approves it,
// returning the registration token. Transient platform and network failures
// keep the poll going; a closed or expired operation ends it with a coded
// error. Cancelling the context stops the poll with the context's error.
func (e *Engine) WaitForApproval(ctx context.Context, provisioningToken string, op *models.ProvisioningOperation) (*models.RegistrationToken, error) {
	for {
		token, err := e.api.CompleteProvisioning(ctx, provisioningToken, op.ID)
		switch {
		case err == nil:
			e.setState(StateApproved)
			e.logger.Info("provisioning operation approved", map[string]any{"operationId": op.ID})
			return token, nil

		case errors.Is(err, cloud.ErrOperationPending):
			if op.Expired() {
				e.setState(StateExpired)
				return nil, sdkerrors.New(sdkerrors.ErrProvisioningExpired,
					"provisioning operation expired before the operator approved it")
			}

		case sdkerrors.Is(err, sdkerrors.ErrProvisioningExpired):
			e.setState(StateExpired)
			return nil, err

		case sdkerrors.IsTransient(err):
			e.logger.Warn("provisioning poll failed, retrying", map[string]any{"error": err.Error()})

		default:
			e.setState(StateRejected)
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}
