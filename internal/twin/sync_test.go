package twin

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spotflow-io/device-sdk-go/internal/cloud"
	sdkerrors "github.com/spotflow-io/device-sdk-go/internal/errors"
	"github.com/spotflow-io/device-sdk-go/internal/logging"
	"github.com/spotflow-io/device-sdk-go/internal/models"
	"github.com/spotflow-io/device-sdk-go/internal/store"
)

type fakeTwinAPI struct {
	cloud.API

	mu       sync.Mutex
	desired  *models.DesiredTwin
	reported []string
	sendErr  error
}

func (f *fakeTwinAPI) FetchDesiredProperties(ctx context.Context, afterVersion uint64) (*models.DesiredTwin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.desired == nil || f.desired.Version <= afterVersion {
		return nil, nil
	}
	return f.desired, nil
}

func (f *fakeTwinAPI) SendReportedProperties(ctx context.Context, submissionID string, document []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.reported = append(f.reported, submissionID)
	return nil
}

func (f *fakeTwinAPI) setDesired(twin *models.DesiredTwin) {
	f.mu.Lock()
	f.desired = twin
	f.mu.Unlock()
}

func (f *fakeTwinAPI) reportedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reported)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "device.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDesiredPropertiesBeforeFirstPoll(t *testing.T) {
	s := New(&fakeTwinAPI{}, openTestStore(t), logging.Discard(), time.Hour)

	_, err := s.DesiredProperties()
	if !sdkerrors.Is(err, sdkerrors.ErrUnavailable) {
		t.Errorf("DesiredProperties() error = %v, want UNAVAILABLE", err)
	}
}

func TestDesiredPollAppliesNewVersions(t *testing.T) {
	api := &fakeTwinAPI{}
	api.setDesired(&models.DesiredTwin{Version: 1, Document: []byte(`{"interval":30}`)})
	st := openTestStore(t)
	s := New(api, st, logging.Discard(), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, "version 1", func() bool {
		twin, err := s.DesiredProperties()
		return err == nil && twin.Version == 1
	})

	api.setDesired(&models.DesiredTwin{Version: 2, Document: []byte(`{"interval":60}`)})
	waitFor(t, "version 2", func() bool {
		twin, err := s.DesiredProperties()
		return err == nil && twin.Version == 2
	})

	twin, err := s.DesiredProperties()
	if err != nil {
		t.Fatalf("DesiredProperties() error = %v", err)
	}
	if string(twin.Document) != `{"interval":60}` {
		t.Errorf("document = %s", twin.Document)
	}

	// The snapshot must be on disk as well.
	persisted, err := st.LoadDesiredTwin()
	if err != nil {
		t.Fatalf("LoadDesiredTwin() error = %v", err)
	}
	if persisted.Version != 2 {
		t.Errorf("persisted version = %d, want 2", persisted.Version)
	}
}

func TestDesiredVersionsAreMonotonic(t *testing.T) {
	s := New(&fakeTwinAPI{}, openTestStore(t), logging.Discard(), time.Hour)

	s.applyDesired(&models.DesiredTwin{Version: 5, Document: []byte(`{"a":5}`)})
	s.applyDesired(&models.DesiredTwin{Version: 3, Document: []byte(`{"a":3}`)})
	s.applyDesired(&models.DesiredTwin{Version: 5, Document: []byte(`{"a":"replay"}`)})

	twin, err := s.DesiredProperties()
	if err != nil {
		t.Fatalf("DesiredProperties() error = %v", err)
	}
	if twin.Version != 5 || string(twin.Document) != `{"a":5}` {
		t.Errorf("twin = version %d document %s", twin.Version, twin.Document)
	}
}

func TestDesiredPropertiesIfNewer(t *testing.T) {
	s := New(&fakeTwinAPI{}, openTestStore(t), logging.Discard(), time.Hour)
	s.applyDesired(&models.DesiredTwin{Version: 5, Document: []byte(`{"a":5}`)})

	if got := s.DesiredPropertiesIfNewer(5); got != nil {
		t.Errorf("DesiredPropertiesIfNewer(5) = %+v, want nil", got)
	}
	got := s.DesiredPropertiesIfNewer(4)
	if got == nil || got.Version != 5 {
		t.Errorf("DesiredPropertiesIfNewer(4) = %+v, want version 5", got)
	}
}

func TestPreloadRestoresPersistedSnapshot(t *testing.T) {
	st := openTestStore(t)
	if err := st.SaveDesiredTwin(&models.DesiredTwin{Version: 7, Document: []byte(`{"a":7}`)}); err != nil {
		t.Fatalf("SaveDesiredTwin() error = %v", err)
	}

	s := New(&fakeTwinAPI{}, st, logging.Discard(), time.Hour)
	if err := s.Preload(); err != nil {
		t.Fatalf("Preload() error = %v", err)
	}

	twin, err := s.DesiredProperties()
	if err != nil {
		t.Fatalf("DesiredProperties() error = %v", err)
	}
	if twin.Version != 7 {
		t.Errorf("version = %d, want 7", twin.Version)
	}
}

func TestUpdateReportedPushesAndAcks(t *testing.T) {
	api := &fakeTwinAPI{}
	s := New(api, openTestStore(t), logging.Discard(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	if err := s.UpdateReported([]byte(`{"status":"ok"}`)); err != nil {
		t.Fatalf("UpdateReported() error = %v", err)
	}

	waitFor(t, "reported push", func() bool { return api.reportedCount() == 1 })
	waitFor(t, "ack", func() bool {
		pending, err := s.AnyPendingReportedUpdates()
		return err == nil && !pending
	})
}

func TestReportedUpdateRetriesAfterFailure(t *testing.T) {
	api := &fakeTwinAPI{sendErr: sdkerrors.New(sdkerrors.ErrNetworkUnavailable, "offline")}
	s := New(api, openTestStore(t), logging.Discard(), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	if err := s.UpdateReported([]byte(`{"status":"ok"}`)); err != nil {
		t.Fatalf("UpdateReported() error = %v", err)
	}

	// Still pending while the platform is unreachable.
	time.Sleep(50 * time.Millisecond)
	pending, err := s.AnyPendingReportedUpdates()
	if err != nil {
		t.Fatalf("AnyPendingReportedUpdates() error = %v", err)
	}
	if !pending {
		t.Fatal("update acknowledged while sends were failing")
	}

	api.mu.Lock()
	api.sendErr = nil
	api.mu.Unlock()

	waitFor(t, "retry to succeed", func() bool {
		pending, err := s.AnyPendingReportedUpdates()
		return err == nil && !pending
	})
}

func TestLatestReportedUpdateWins(t *testing.T) {
	api := &fakeTwinAPI{sendErr: sdkerrors.New(sdkerrors.ErrNetworkUnavailable, "offline")}
	st := openTestStore(t)
	s := New(api, st, logging.Discard(), time.Hour)

	if err := s.UpdateReported([]byte(`{"v":1}`)); err != nil {
		t.Fatalf("UpdateReported() error = %v", err)
	}
	if err := s.UpdateReported([]byte(`{"v":2}`)); err != nil {
		t.Fatalf("UpdateReported() error = %v", err)
	}

	update, err := st.LatestReportedUpdate()
	if err != nil {
		t.Fatalf("LatestReportedUpdate() error = %v", err)
	}
	if string(update.Document) != `{"v":2}` {
		t.Errorf("staged document = %s, want {\"v\":2}", update.Document)
	}
}
