package provision

import (
	"context"
	"testing"
	"time"

	"github.com/spotflow-io/device-sdk-go/internal/cloud"
	sdkerrors "github.com/spotflow-io/device-sdk-go/internal/errors"
	"github.com/spotflow-io/device-sdk-go/internal/logging"
	"github.com/spotflow-io/device-sdk-go/internal/models"
)

// fakeAPI scripts the provisioning endpoints; everything else panics.
type fakeAPI struct {
	cloud.API

	initOp   *models.ProvisioningOperation
	initErr  error
	outcomes []completeOutcome
	calls    int
}

type completeOutcome struct {
	token *models.RegistrationToken
	err   error
}

func (f *fakeAPI) InitProvisioning(ctx context.Context, provisioningToken, requestedDeviceID string) (*models.ProvisioningOperation, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	return f.initOp, nil
}

func (f *fakeAPI) CompleteProvisioning(ctx context.Context, provisioningToken, operationID string) (*models.RegistrationToken, error) {
	outcome := f.outcomes[len(f.outcomes)-1]
	if f.calls < len(f.outcomes) {
		outcome = f.outcomes[f.calls]
	}
	f.calls++
	return outcome.token, outcome.err
}

func newTestEngine(api cloud.API, display DisplayFunc) *Engine {
	return New(api, logging.Discard(), display, time.Millisecond)
}

func TestInitDisplaysVerificationCode(t *testing.T) {
	api := &fakeAPI{initOp: &models.ProvisioningOperation{
		ID:               "op-1",
		VerificationCode: "ABC123",
		ExpirationTime:   time.Now().Add(time.Hour),
	}}

	var displayed []models.ProvisioningOperation
	engine := newTestEngine(api, func(op models.ProvisioningOperation) {
		displayed = append(displayed, op)
	})

	op, err := engine.Init(context.Background(), "pt-1", "")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if len(displayed) != 1 || displayed[0].VerificationCode != "ABC123" {
		t.Errorf("display callback invocations = %+v, want one with code ABC123", displayed)
	}
	if op.ID != "op-1" {
		t.Errorf("operation = %+v", op)
	}
	if engine.State() != StateAwaitingApproval {
		t.Errorf("state = %v, want StateAwaitingApproval", engine.State())
	}
}

func TestInitRejectedToken(t *testing.T) {
	api := &fakeAPI{initErr: sdkerrors.New(sdkerrors.ErrProvisioningRejected, "bad token")}
	engine := newTestEngine(api, nil)

	_, err := engine.Init(context.Background(), "bad", "")
	if !sdkerrors.Is(err, sdkerrors.ErrProvisioningRejected) {
		t.Errorf("Init() error = %v, want PROVISIONING_REJECTED", err)
	}
	if engine.State() != StateRejected {
		t.Errorf("state = %v, want StateRejected", engine.State())
	}
}

func TestWaitForApprovalPollsUntilApproved(t *testing.T) {
	api := &fakeAPI{outcomes: []completeOutcome{
		{err: cloud.ErrOperationPending},
		{err: cloud.ErrOperationPending},
		{token: &models.RegistrationToken{Token: "rt-1"}},
	}}
	engine := newTestEngine(api, nil)

	token, err := engine.WaitForApproval(context.Background(), "pt-1", &models.ProvisioningOperation{
		ID: "op-1", ExpirationTime: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("WaitForApproval() error = %v", err)
	}
	if token.Token != "rt-1" {
		t.Errorf("token = %+v", token)
	}
	if api.calls != 3 {
		t.Errorf("poll calls = %d, want 3", api.calls)
	}
	if engine.State() != StateApproved {
		t.Errorf("state = %v, want StateApproved", engine.State())
	}
}

func TestWaitForApprovalSurvivesTransientErrors(t *testing.T) {
	api := &fakeAPI{outcomes: []completeOutcome{
		{err: sdkerrors.New(sdkerrors.ErrNetworkUnavailable, "offline")},
		{err: sdkerrors.New(sdkerrors.ErrCloudError, "platform returned status 503")},
		{token: &models.RegistrationToken{Token: "rt-1"}},
	}}
	engine := newTestEngine(api, nil)

	token, err := engine.WaitForApproval(context.Background(), "pt-1", &models.ProvisioningOperation{
		ID: "op-1", ExpirationTime: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("WaitForApproval() error = %v", err)
	}
	if token.Token != "rt-1" {
		t.Errorf("token = %+v", token)
	}
}

func TestWaitForApprovalExpiredOperation(t *testing.T) {
	api := &fakeAPI{outcomes: []completeOutcome{
		{err: cloud.ErrOperationPending},
	}}
	engine := newTestEngine(api, nil)

	_, err := engine.WaitForApproval(context.Background(), "pt-1", &models.ProvisioningOperation{
		ID: "op-1", ExpirationTime: time.Now().Add(-time.Minute),
	})
	if !sdkerrors.Is(err, sdkerrors.ErrProvisioningExpired) {
		t.Errorf("WaitForApproval() error = %v, want PROVISIONING_EXPIRED", err)
	}
	if engine.State() != StateExpired {
		t.Errorf("state = %v, want StateExpired", engine.State())
	}
}

func TestWaitForApprovalCancelledOperation(t *testing.T) {
	api := &fakeAPI{outcomes: []completeOutcome{
		{err: sdkerrors.New(sdkerrors.ErrProvisioningRejected, "provisioning operation was closed (Cancelled)")},
	}}
	engine := newTestEngine(api, nil)

	_, err := engine.WaitForApproval(context.Background(), "pt-1", &models.ProvisioningOperation{
		ID: "op-1", ExpirationTime: time.Now().Add(time.Hour),
	})
	if !sdkerrors.Is(err, sdkerrors.ErrProvisioningRejected) {
		t.Errorf("WaitForApproval() error = %v, want PROVISIONING_REJECTED", err)
	}
	if engine.State() != StateRejected {
		t.Errorf("state = %v, want StateRejected", engine.State())
	}
}

func TestWaitForApprovalContextCancel(t *testing.T) {
	api := &fakeAPI{outcomes: []completeOutcome{
		{err: cloud.ErrOperationPending},
	}}
	engine := New(api, logging.Discard(), nil, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := engine.WaitForApproval(ctx, "pt-1", &models.ProvisioningOperation{
		ID: "op-1", ExpirationTime: time.Now().Add(time.Hour),
	})
	if err != context.Canceled {
		t.Errorf("WaitForApproval() error = %v, want context.Canceled", err)
	}
}
