package position

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/avielb/kolcast/internal/models"
	"github.com/avielb/kolcast/internal/services/backend"
	"github.com/sirupsen/logrus"
)

type fakeBackend struct {
	mu        sync.Mutex
	gets      int
	puts      []int64
	remote    map[string]int64
	putErr    error
	getStatus int
}

func (f *fakeBackend) GetPosition(ctx context.Context, itemID string) (*backend.Position, error) {
	f.mu.Lock()
	f.gets++
	f.mu.Unlock()

	pos, ok := f.remote[itemID]
	if !ok {
		status := f.getStatus
		if status == 0 {
			status = 404
		}
		return nil, &backend.APIError{Status: status, Message: "no position"}
	}
	return &backend.Position{Position: pos}, nil
}

func (f *fakeBackend) PutPosition(ctx context.Context, itemID string, positionMs int64) (*backend.Position, error) {
	f.mu.Lock()
	f.puts = append(f.puts, positionMs)
	f.mu.Unlock()

	if f.putErr != nil {
		return nil, f.putErr
	}
	return &backend.Position{Position: positionMs}, nil
}

func (f *fakeBackend) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

type fakeAuth struct {
	authenticated bool
}

func (f *fakeAuth) Authenticated() bool {
	return f.authenticated
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestSync(t *testing.T, api *fakeBackend, authenticated bool) (*Synchronizer, *models.Database) {
	t.Helper()
	db, err := models.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewSynchronizer(api, &fakeAuth{authenticated: authenticated}, db, 1000, testLogger()), db
}

func TestAnonymousSessionsDoNoWork(t *testing.T) {
	api := &fakeBackend{remote: map[string]int64{"a": 90000}}
	syncer, db := newTestSync(t, api, false)

	if pos := syncer.LastKnown(context.Background(), "a"); pos != 0 {
		t.Errorf("Expected 0 for anonymous session, got %d", pos)
	}
	syncer.Update(context.Background(), "a", 120000)

	if api.gets != 0 || api.putCount() != 0 {
		t.Errorf("Anonymous session should never call the backend, got %d gets, %d puts", api.gets, api.putCount())
	}
	if _, err := db.GetPosition("a"); err == nil {
		t.Error("Anonymous session should not cache positions")
	}
}

func TestLastKnownPrefersLocalCache(t *testing.T) {
	api := &fakeBackend{remote: map[string]int64{"a": 90000}}
	syncer, db := newTestSync(t, api, true)

	if err := db.SavePosition(&models.PositionRecord{ItemID: "a", PositionMs: 45000}); err != nil {
		t.Fatalf("SavePosition failed: %v", err)
	}

	if pos := syncer.LastKnown(context.Background(), "a"); pos != 45000 {
		t.Errorf("Expected cached position 45000, got %d", pos)
	}
	if api.gets != 0 {
		t.Errorf("Cached position should not hit the backend, got %d gets", api.gets)
	}
}

func TestLastKnownRemoteFallbackCachesLocally(t *testing.T) {
	api := &fakeBackend{remote: map[string]int64{"a": 90000}}
	syncer, db := newTestSync(t, api, true)

	if pos := syncer.LastKnown(context.Background(), "a"); pos != 90000 {
		t.Fatalf("Expected remote position 90000, got %d", pos)
	}

	record, err := db.GetPosition("a")
	if err != nil {
		t.Fatalf("Remote position was not cached: %v", err)
	}
	if record.PositionMs != 90000 {
		t.Errorf("Cached position mismatch: %d", record.PositionMs)
	}

	// Second lookup is served from the cache
	syncer.LastKnown(context.Background(), "a")
	if api.gets != 1 {
		t.Errorf("Expected a single remote fetch, got %d", api.gets)
	}
}

func TestLastKnownUnknownItemIsZero(t *testing.T) {
	api := &fakeBackend{remote: map[string]int64{}}
	syncer, _ := newTestSync(t, api, true)

	if pos := syncer.LastKnown(context.Background(), "missing"); pos != 0 {
		t.Errorf("Expected 0 for unknown item, got %d", pos)
	}
}

func TestSmallMovementsAreNotSynced(t *testing.T) {
	api := &fakeBackend{remote: map[string]int64{}}
	syncer, _ := newTestSync(t, api, true)

	syncer.Update(context.Background(), "a", 10000)
	syncer.Update(context.Background(), "a", 10400)
	syncer.Update(context.Background(), "a", 11000)
	syncer.Update(context.Background(), "a", 12500)

	if api.putCount() != 2 {
		t.Fatalf("Expected 2 writes (10000 and 12500), got %d: %v", api.putCount(), api.puts)
	}
	if api.puts[0] != 10000 || api.puts[1] != 12500 {
		t.Errorf("Unexpected synced positions: %v", api.puts)
	}
}

func TestBackwardSeekBeyondDeltaIsSynced(t *testing.T) {
	api := &fakeBackend{remote: map[string]int64{}}
	syncer, _ := newTestSync(t, api, true)

	syncer.Update(context.Background(), "a", 60000)
	syncer.Update(context.Background(), "a", 5000)

	if api.putCount() != 2 {
		t.Errorf("Backward movement past the delta should sync, got %d writes", api.putCount())
	}
}

func TestFailedSyncRollsBackToPreviousPosition(t *testing.T) {
	api := &fakeBackend{remote: map[string]int64{}}
	syncer, db := newTestSync(t, api, true)

	syncer.Update(context.Background(), "a", 30000)

	api.putErr = fmt.Errorf("backend down")
	syncer.Update(context.Background(), "a", 90000)

	record, err := db.GetPosition("a")
	if err != nil {
		t.Fatalf("Expected rolled-back position to remain cached: %v", err)
	}
	if record.PositionMs != 30000 {
		t.Errorf("Expected rollback to 30000, got %d", record.PositionMs)
	}

	// The failed value never became the de-duplication baseline
	api.putErr = nil
	syncer.Update(context.Background(), "a", 90000)
	if api.puts[len(api.puts)-1] != 90000 {
		t.Errorf("Retry after failure should sync, got %v", api.puts)
	}
}

func TestFailedFirstSyncRemovesCacheEntry(t *testing.T) {
	api := &fakeBackend{remote: map[string]int64{}, putErr: fmt.Errorf("backend down")}
	syncer, db := newTestSync(t, api, true)

	syncer.Update(context.Background(), "a", 30000)

	if _, err := db.GetPosition("a"); err == nil {
		t.Error("Failed first write should leave no cached position")
	}
}
