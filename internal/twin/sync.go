// Package twin keeps the device twin in sync with the platform: it polls
// for new desired-properties versions and pushes reported-properties
// updates, persisting both so the last known state survives restarts.
package twin

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/spotflow-io/device-sdk-go/internal/cloud"
	sdkerrors "github.com/spotflow-io/device-sdk-go/internal/errors"
	"github.com/spotflow-io/device-sdk-go/internal/logging"
	"github.com/spotflow-io/device-sdk-go/internal/models"
	"github.com/spotflow-io/device-sdk-go/internal/store"
)

// DefaultPollInterval is how often the desired document is polled and how
// long a failed reported-properties push waits before retrying.
const DefaultPollInterval = 30 * time.Second

// Synchronizer owns the twin state for one client.
type Synchronizer struct {
	api          cloud.API
	store        *store.Store
	logger       *logging.Logger
	pollInterval time.Duration

	mu      sync.RWMutex
	desired *models.DesiredTwin

	notify chan struct{}
}

// New creates a synchronizer. pollInterval 0 selects the default.
func New(api cloud.API, st *store.Store, logger *logging.Logger, pollInterval time.Duration) *Synchronizer {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Synchronizer{
		api:          api,
		store:        st,
		logger:       logger,
		pollInterval: pollInterval,
		notify:       make(chan struct{}, 1),
	}
}

// Preload restores the last persisted desired snapshot so DesiredProperties
// can answer before the first successful poll.
func (s *Synchronizer) Preload() error {
	twin, err := s.store.LoadDesiredTwin()
	if err != nil {
		return err
	}
	if twin != nil {
		s.mu.Lock()
		s.desired = twin
		s.mu.Unlock()
	}
	return nil
}

// Run drives both sync loops until the context is cancelled.
func (s *Synchronizer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runDesiredPoll(ctx) })
	g.Go(func() error { return s.runReportedPush(ctx) })
	return g.Wait()
}

// DesiredProperties returns the current desired snapshot. Before any
// snapshot has ever been received it returns UNAVAILABLE.
func (s *Synchronizer) DesiredProperties() (*models.DesiredTwin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.desired == nil {
		return nil, sdkerrors.New(sdkerrors.ErrUnavailable, "no desired properties received yet")
	}
	return s.desired, nil
}

// DesiredPropertiesIfNewer returns the current desired snapshot only when
// its version is greater than version, and nil otherwise.
func (s *Synchronizer) DesiredPropertiesIfNewer(version uint64) *models.DesiredTwin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.desired == nil || s.desired.Version <= version {
		return nil
	}
	return s.desired
}

// UpdateReported stages a reported-properties document for upload. The
// document replaces any previously staged one and survives restarts until
// the platform acknowledges it.
func (s *Synchronizer) UpdateReported(document []byte) error {
	update := &models.ReportedUpdate{
		SubmissionID: uuid.NewString(),
		Document:     document,
	}
	if err := s.store.StageReportedUpdate(update); err != nil {
		return err
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// AnyPendingReportedUpdates reports whether a staged document is still
// awaiting platform confirmation.
func (s *Synchronizer) AnyPendingReportedUpdates() (bool, error) {
	return s.store.AnyPendingReportedUpdates()
}

func (s *Synchronizer) runDesiredPoll(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.pollDesired(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.pollDesired(ctx)
		}
	}
}

func (s *Synchronizer) pollDesired(ctx context.Context) {
	s.mu.RLock()
	var version uint64
	if s.desired != nil {
		version = s.desired.Version
	}
	s.mu.RUnlock()

	twin, err := s.api.FetchDesiredProperties(ctx, version)
	if err != nil {
		s.logger.Debug("desired properties poll failed", map[string]any{"error": err.Error()})
		return
	}
	if twin == nil {
		return
	}
	s.applyDesired(twin)
}

// applyDesired persists and publishes a snapshot. Versions move forward
// only; a replayed older snapshot is dropped.
func (s *Synchronizer) applyDesired(twin *models.DesiredTwin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.desired != nil && twin.Version <= s.desired.Version {
		return
	}
	if err := s.store.SaveDesiredTwin(twin); err != nil {
		s.logger.Error("failed to persist desired properties", err)
		return
	}
	s.desired = twin
	s.logger.Info("desired properties updated", map[string]any{"version": twin.Version})
}

func (s *Synchronizer) runReportedPush(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.pushReported(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.notify:
			s.pushReported(ctx)
		case <-ticker.C:
			s.pushReported(ctx)
		}
	}
}

func (s *Synchronizer) pushReported(ctx context.Context) {
	update, err := s.store.LatestReportedUpdate()
	if err != nil {
		s.logger.Error("failed to load staged reported update", err)
		return
	}
	if update == nil {
		return
	}

	if err := s.api.SendReportedProperties(ctx, update.SubmissionID, update.Document); err != nil {
		s.logger.Debug("reported properties push failed", map[string]any{"error": err.Error()})
		return
	}
	// Scoped by submission ID so a document staged mid-flight stays pending.
	if err := s.store.AckReportedUpdate(update.SubmissionID); err != nil {
		s.logger.Error("failed to acknowledge reported update", err)
	}
}
