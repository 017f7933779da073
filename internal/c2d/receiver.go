// Package c2d receives cloud-to-device messages: it polls the platform for
// waiting messages, persists them to the local inbox, and acknowledges them
// so the platform stops redelivering. Messages stay in the inbox until the
// application consumes them.
package c2d

import (
	"context"
	"time"

	"github.com/spotflow-io/device-sdk-go/internal/cloud"
	"github.com/spotflow-io/device-sdk-go/internal/logging"
	"github.com/spotflow-io/device-sdk-go/internal/store"
)

// DefaultPollInterval is how often the platform is polled for waiting
// cloud-to-device messages.
const DefaultPollInterval = 10 * time.Second

// Receiver drains the platform's cloud-to-device queue into the local inbox.
type Receiver struct {
	api          cloud.API
	store        *store.Store
	logger       *logging.Logger
	pollInterval time.Duration

	notify chan struct{}
}

// New creates a receiver. pollInterval 0 selects the default.
func New(api cloud.API, st *store.Store, logger *logging.Logger, pollInterval time.Duration) *Receiver {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Receiver{
		api:          api,
		store:        st,
		logger:       logger,
		pollInterval: pollInterval,
		notify:       make(chan struct{}, 1),
	}
}

// Notify asks the receiver to poll the platform without waiting for the
// next tick. Never blocks.
func (r *Receiver) Notify() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Run polls until the context is cancelled.
func (r *Receiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.notify:
			r.poll(ctx)
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Receiver) poll(ctx context.Context) {
	envelopes, err := r.api.FetchC2DMessages(ctx)
	if err != nil {
		r.logger.Debug("cloud-to-device poll failed", map[string]any{"error": err.Error()})
		return
	}

	for _, envelope := range envelopes {
		// Persist before acknowledging: a crash between the two redelivers
		// the message instead of losing it.
		if _, err := r.store.SaveC2DMessage(envelope.Content, envelope.Properties); err != nil {
			r.logger.Error("failed to persist cloud-to-device message", err,
				map[string]any{"messageId": envelope.ID})
			return
		}
		if err := r.api.AckC2DMessage(ctx, envelope.ID); err != nil {
			r.logger.Debug("cloud-to-device acknowledgment failed", map[string]any{
				"messageId": envelope.ID,
				"error":     err.Error(),
			})
			return
		}
		r.logger.Debug("cloud-to-device message received", map[string]any{"messageId": envelope.ID})
	}
}
