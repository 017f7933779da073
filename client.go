// Package spotflow is the Spotflow device SDK: a process-local client that
// durably queues telemetry for upload, provisions the device with operator
// approval, and keeps the device twin in sync with the platform.
//
// Messages are enqueued into a local SQLite file and uploaded in the
// background, so producers never block on network availability and queued
// data survives process restarts.
package spotflow

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spotflow-io/device-sdk-go/internal/c2d"
	"github.com/spotflow-io/device-sdk-go/internal/cloud"
	sdkerrors "github.com/spotflow-io/device-sdk-go/internal/errors"
	"github.com/spotflow-io/device-sdk-go/internal/identity"
	"github.com/spotflow-io/device-sdk-go/internal/logging"
	"github.com/spotflow-io/device-sdk-go/internal/models"
	"github.com/spotflow-io/device-sdk-go/internal/provision"
	"github.com/spotflow-io/device-sdk-go/internal/store"
	"github.com/spotflow-io/device-sdk-go/internal/twin"
	"github.com/spotflow-io/device-sdk-go/internal/upload"
)

const waitPollInterval = 200 * time.Millisecond

// Client is a running SDK instance. Create one with Start and release it
// with Close.
type Client struct {
	logger   *logging.Logger
	store    *store.Store
	api      cloud.API
	identity *identity.Resolver
	twin     *twin.Synchronizer
	worker   *upload.Worker
	receiver *c2d.Receiver

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Start opens the local store, resolves or initiates device provisioning,
// and starts the background upload and twin-sync loops.
//
// When the store already holds an identity provisioned with the same token
// and requested device ID, provisioning is skipped and the cached identity
// is reused. Otherwise Start opens a provisioning operation — a rejected
// provisioning token fails Start synchronously — and waits for operator
// approval in the background; DeviceID answers NOT_READY until approval.
func Start(options Options) (*Client, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}
	logger := logging.New(options.LogOutput, options.LogLevel)
	return start(options, logger, cloud.NewHTTPClient(options.instanceURL(), logger))
}

func start(options Options, logger *logging.Logger, api cloud.API) (*Client, error) {
	st, err := store.Open(options.DatabaseFile)
	if err != nil {
		return nil, err
	}

	c := &Client{
		logger:   logger,
		store:    st,
		api:      api,
		identity: identity.New(),
		twin:     twin.New(api, st, logger, 0),
		receiver: c2d.New(api, st, logger, 0),
	}
	c.worker, err = upload.New(api, st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	if err := c.twin.Preload(); err != nil {
		st.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.group, ctx = errgroup.WithContext(ctx)

	if err := c.resolveIdentity(ctx, options); err != nil {
		cancel()
		st.Close()
		return nil, err
	}

	c.group.Go(func() error { return c.worker.Run(ctx) })
	c.group.Go(func() error { return c.twin.Run(ctx) })
	c.group.Go(func() error { return c.receiver.Run(ctx) })

	c.logger.Info("client started", map[string]any{"database": options.DatabaseFile})
	return c, nil
}

// resolveIdentity either restores the cached identity or begins a new
// provisioning flow. The synchronous part ends once a provisioning
// operation is open; approval is awaited in the background.
func (c *Client) resolveIdentity(ctx context.Context, options Options) error {
	cfg, err := c.store.LoadConfig()
	if err != nil {
		return err
	}

	if canReuse(cfg, options) {
		c.identity.Preload(cfg.Identity)
		c.api.UseRegistration(&cloud.Registration{
			WorkspaceID: cfg.Identity.WorkspaceID,
			DeviceID:    cfg.Identity.DeviceID,
		}, cfg.RegistrationToken)
		c.logger.Info("reusing provisioned identity", map[string]any{
			"deviceId": cfg.Identity.DeviceID,
		})

		// Best-effort online re-registration. A transient failure keeps
		// the cached session; the platform rejects stale tokens later.
		token := cfg.RegistrationToken
		c.group.Go(func() error {
			if _, err := c.api.RegisterDevice(ctx, token); err != nil && ctx.Err() == nil {
				c.logger.Warn("online re-registration failed", map[string]any{"error": err.Error()})
			}
			return nil
		})
		return nil
	}

	// Credentials changed or nothing provisioned yet: start over.
	if err := c.store.ResetProvisioning(); err != nil {
		return err
	}
	if err := c.store.SaveConnectionSettings(options.instanceURL(), options.ProvisioningToken, options.DeviceID); err != nil {
		return err
	}

	engine := provision.New(c.api, c.logger, c.displayFunc(options), 0)
	op, err := engine.Init(ctx, options.ProvisioningToken, options.DeviceID)
	if err != nil {
		return err
	}

	c.group.Go(func() error {
		c.awaitApproval(ctx, engine, options.ProvisioningToken, op)
		return nil
	})
	return nil
}

// canReuse reports whether the stored identity was provisioned with the
// same credentials this client was configured with.
func canReuse(cfg *store.Config, options Options) bool {
	return cfg.Identity.Resolved &&
		cfg.ProvisioningToken == options.ProvisioningToken &&
		cfg.RequestedDeviceID == options.DeviceID &&
		!cfg.RegistrationToken.Expired()
}

func (c *Client) displayFunc(options Options) provision.DisplayFunc {
	if options.DisplayProvisioningOperation == nil {
		return nil
	}
	return func(op models.ProvisioningOperation) {
		options.DisplayProvisioningOperation(ProvisioningOperation{
			ID:               op.ID,
			VerificationCode: op.VerificationCode,
			ExpirationTime:   op.ExpirationTime,
		})
	}
}

// awaitApproval finishes the provisioning flow in the background: waits for
// the operator, registers the device, and persists the outcome. A terminal
// failure is recorded on the identity resolver so DeviceID reports it.
func (c *Client) awaitApproval(ctx context.Context, engine *provision.Engine, provisioningToken string, op *models.ProvisioningOperation) {
	token, err := engine.WaitForApproval(ctx, provisioningToken, op)
	if err != nil {
		if ctx.Err() == nil {
			c.identity.Fail(err)
			c.logger.Error("provisioning failed", err)
		}
		return
	}

	reg, err := c.api.RegisterDevice(ctx, *token)
	if err != nil {
		if ctx.Err() == nil {
			c.identity.Fail(err)
			c.logger.Error("device registration failed", err)
		}
		return
	}

	resolved := models.DeviceIdentity{
		WorkspaceID: reg.WorkspaceID,
		DeviceID:    reg.DeviceID,
		Resolved:    true,
	}
	if err := c.store.SaveRegistrationToken(*token); err != nil {
		c.logger.Error("failed to persist registration token", err)
	}
	if err := c.store.SaveIdentity(resolved); err != nil {
		c.logger.Error("failed to persist device identity", err)
	}
	c.identity.Resolve(resolved)
	c.worker.Notify()
	c.receiver.Notify()
	c.logger.Info("device provisioned", map[string]any{
		"workspaceId": reg.WorkspaceID,
		"deviceId":    reg.DeviceID,
	})
}

// Close stops the background loops and closes the local store. Entries not
// yet uploaded stay in the database file for the next Start at the same
// path; use WaitEnqueuedMessagesSent first when delivery must complete
// before shutdown.
func (c *Client) Close() error {
	c.cancel()
	c.group.Wait()
	return c.store.Close()
}

// EnqueueMessage durably appends a message for background upload. It
// returns once the entry is committed to the local store and never waits
// for the network.
func (c *Client) EnqueueMessage(streamGroup, stream string, payload []byte, options *MessageOptions) error {
	if _, err := c.store.EnqueueMessage(options.toEntry(streamGroup, stream, payload)); err != nil {
		return err
	}
	c.worker.Notify()
	return nil
}

// EnqueueBatchCompletion durably appends a completion marker for a batch.
// At least one message of the batch must have been enqueued at this store
// path first, otherwise INVALID_ARGUMENT is returned.
func (c *Client) EnqueueBatchCompletion(streamGroup, stream, batchID string) error {
	if _, err := c.store.EnqueueBatchCompletion(streamGroup, stream, batchID); err != nil {
		return err
	}
	c.worker.Notify()
	return nil
}

// SendMessage enqueues a message and blocks until it has been uploaded, or
// until the context is cancelled. The message stays durably queued either
// way.
func (c *Client) SendMessage(ctx context.Context, streamGroup, stream string, payload []byte, options *MessageOptions) error {
	id, err := c.store.EnqueueMessage(options.toEntry(streamGroup, stream, payload))
	if err != nil {
		return err
	}
	for {
		// Keep nudging the worker so a delivery attempt isn't stuck in a
		// backoff window while the caller is actively waiting.
		c.worker.Notify()

		entries, err := c.store.ListEntriesAfter(id-1, 1)
		if err != nil {
			return err
		}
		if len(entries) == 0 || entries[0].ID != id {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitPollInterval):
		}
	}
}

// PendingMessagesCount returns the number of durably enqueued entries not
// yet uploaded.
func (c *Client) PendingMessagesCount() (int, error) {
	return c.store.PendingCount()
}

// WaitEnqueuedMessagesSent blocks until the queue is empty or the context
// is cancelled.
func (c *Client) WaitEnqueuedMessagesSent(ctx context.Context) error {
	for {
		c.worker.Notify()

		count, err := c.store.PendingCount()
		if err != nil {
			return err
		}
		if count == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitPollInterval):
		}
	}
}

// DeviceID returns the platform-assigned device ID. While provisioning is
// still awaiting approval it returns a NOT_READY error; after a terminal
// provisioning failure it returns that failure on every call.
func (c *Client) DeviceID() (string, error) {
	return c.identity.DeviceID()
}

// WorkspaceID returns the workspace the device was provisioned into, with
// the same readiness semantics as DeviceID.
func (c *Client) WorkspaceID() (string, error) {
	return c.identity.WorkspaceID()
}

// DesiredProperties returns the current desired-properties snapshot. It
// returns UNAVAILABLE until a snapshot has been received from the platform
// or restored from the local store.
func (c *Client) DesiredProperties() (*DesiredProperties, error) {
	snapshot, err := c.twin.DesiredProperties()
	if err != nil {
		return nil, err
	}
	return &DesiredProperties{Version: snapshot.Version, Document: snapshot.Document}, nil
}

// DesiredPropertiesIfNewer returns the desired-properties snapshot only
// when its version is greater than version, and nil otherwise. Use it in a
// poll loop to act on changes exactly once.
func (c *Client) DesiredPropertiesIfNewer(version uint64) *DesiredProperties {
	snapshot := c.twin.DesiredPropertiesIfNewer(version)
	if snapshot == nil {
		return nil
	}
	return &DesiredProperties{Version: snapshot.Version, Document: snapshot.Document}
}

// UpdateReportedProperties stages a reported-properties document for
// upload and returns immediately. A newer document supersedes a staged one
// that hasn't been acknowledged yet.
func (c *Client) UpdateReportedProperties(document []byte) error {
	return c.twin.UpdateReported(document)
}

// AnyPendingReportedPropertiesUpdates reports whether a staged
// reported-properties document is still awaiting platform acknowledgment.
func (c *Client) AnyPendingReportedPropertiesUpdates() (bool, error) {
	return c.twin.AnyPendingReportedUpdates()
}

// PendingC2DMessagesCount returns the number of received cloud-to-device
// messages waiting in the local inbox.
func (c *Client) PendingC2DMessagesCount() (int, error) {
	return c.store.PendingC2DCount()
}

// ReceiveC2DMessage blocks until a cloud-to-device message is available and
// removes it from the local inbox. Messages are delivered oldest first. The
// context bounds the wait.
func (c *Client) ReceiveC2DMessage(ctx context.Context) (*C2DMessage, error) {
	for {
		c.receiver.Notify()

		msg, err := c.store.NextC2DMessage()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			if err := c.store.RemoveC2DMessage(msg.ID); err != nil {
				return nil, err
			}
			return &C2DMessage{Content: msg.Content, Properties: msg.Properties}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(waitPollInterval):
		}
	}
}

// IsNotReady reports whether err only means the device identity is still
// being resolved and the call should be retried later.
func IsNotReady(err error) bool {
	return sdkerrors.Is(err, sdkerrors.ErrNotReady)
}

// IsUnavailable reports whether err means the requested data has not been
// received from the platform yet.
func IsUnavailable(err error) bool {
	return sdkerrors.Is(err, sdkerrors.ErrUnavailable)
}
