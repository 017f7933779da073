// Package upload drains the durable message queue to the platform in the
// background. Entries leave the queue strictly in enqueue order, each one
// deleted only after its upload succeeded, so an interrupted upload is
// retried rather than lost.
package upload

import (
	"context"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/spotflow-io/device-sdk-go/internal/cloud"
	sdkerrors "github.com/spotflow-io/device-sdk-go/internal/errors"
	"github.com/spotflow-io/device-sdk-go/internal/logging"
	"github.com/spotflow-io/device-sdk-go/internal/models"
	"github.com/spotflow-io/device-sdk-go/internal/store"
)

const (
	// baseRetryDelay doubles with each consecutive failed upload attempt.
	baseRetryDelay = 5 * time.Second
	maxRetryDelay  = 5 * time.Minute

	// idleInterval bounds how long the worker sleeps between drains when
	// no enqueue notification arrives.
	idleInterval = time.Second

	listBatchSize = 64
)

// Worker uploads queue entries one at a time, in sequence order.
type Worker struct {
	api    cloud.API
	store  *store.Store
	logger *logging.Logger

	fastEncoder  *zstd.Encoder
	smallEncoder *zstd.Encoder

	notify chan struct{}
}

// New creates a worker over the given store and platform client.
func New(api cloud.API, st *store.Store, logger *logging.Logger) (*Worker, error) {
	fast, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.ErrInvalidArgument, "failed to create fast encoder", err)
	}
	small, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.ErrInvalidArgument, "failed to create best-compression encoder", err)
	}
	return &Worker{
		api:          api,
		store:        st,
		logger:       logger,
		fastEncoder:  fast,
		smallEncoder: small,
		notify:       make(chan struct{}, 1),
	}, nil
}

// Notify wakes the worker after an enqueue. Non-blocking; a pending wake-up
// is enough, the drain picks up everything that is in the queue.
func (w *Worker) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Run drains the queue until the context is cancelled. Failed uploads back
// off exponentially and never skip ahead: entry N+1 waits until entry N has
// been uploaded and removed.
func (w *Worker) Run(ctx context.Context) error {
	failures := 0
	for {
		err := w.drain(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := idleInterval
		if err != nil {
			failures++
			wait = retryDelay(failures)
			w.logger.Warn("upload failed, backing off", map[string]any{
				"error":   err.Error(),
				"retryIn": wait.String(),
			})
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.notify:
		case <-time.After(wait):
		}
	}
}

// drain uploads every entry currently in the queue, oldest first. It stops
// at the first failure so ordering is preserved.
func (w *Worker) drain(ctx context.Context) error {
	for {
		entries, err := w.store.ListEntriesAfter(0, listBatchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		for _, entry := range entries {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := w.send(ctx, entry); err != nil {
				return err
			}
			if err := w.store.RemoveEntry(entry.ID); err != nil {
				return err
			}
			w.logger.Debug("queue entry uploaded", map[string]any{"id": entry.ID})
		}
	}
}

func (w *Worker) send(ctx context.Context, entry *models.QueueEntry) error {
	if entry.IsBatchCompletion() {
		return w.api.SendBatchCompletion(ctx, entry)
	}
	return w.api.SendMessage(ctx, entry, w.encodePayload(entry))
}

func (w *Worker) encodePayload(entry *models.QueueEntry) []byte {
	switch entry.Compression {
	case models.CompressionFastest:
		return w.fastEncoder.EncodeAll(entry.Payload, nil)
	case models.CompressionSmallestSize:
		return w.smallEncoder.EncodeAll(entry.Payload, nil)
	default:
		return entry.Payload
	}
}

// retryDelay doubles the base delay per consecutive failure, capped at
// maxRetryDelay.
func retryDelay(failures int) time.Duration {
	delay := baseRetryDelay
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}
