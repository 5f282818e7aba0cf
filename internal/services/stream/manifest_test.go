package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/avielb/kolcast/internal/models"
	"github.com/avielb/kolcast/internal/services/backend"
)

type fakeManifestAPI struct {
	mu     sync.Mutex
	calls  int
	tracks []backend.ManifestTrack
	err    error
}

func (f *fakeManifestAPI) ResolveManifest(ctx context.Context, collectionID string, itemIDs []string) (*backend.Manifest, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	return &backend.Manifest{Tracks: f.tracks}, nil
}

func (f *fakeManifestAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeItemAPI resolves single streams with per-item failures
type fakeItemAPI struct {
	mu      sync.Mutex
	calls   []string
	failing map[string]bool
}

func (f *fakeItemAPI) ResolveStream(ctx context.Context, itemID string) (*backend.StreamGrant, error) {
	f.mu.Lock()
	f.calls = append(f.calls, itemID)
	f.mu.Unlock()

	if f.failing[itemID] {
		return nil, fmt.Errorf("upstream rejected %s", itemID)
	}
	return &backend.StreamGrant{
		URL:       "https://cdn.example.com/" + itemID + ".mp3",
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func testItems(ids ...string) []*models.MediaItem {
	items := make([]*models.MediaItem, len(ids))
	for i, id := range ids {
		items[i] = testItem(id)
	}
	return items
}

func newManifestFixture(manifestAPI *fakeManifestAPI, itemAPI *fakeItemAPI, fallbackWait time.Duration) (*ManifestResolver, *URLCache) {
	cache := NewURLCache(0.75)
	resolver := NewResolver(itemAPI, cache, &fakeLocals{}, time.Second, testLogger())
	return NewManifestResolver(manifestAPI, cache, resolver, fallbackWait, testLogger()), cache
}

func TestManifestPrimaryPathCachesEveryTrack(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	manifestAPI := &fakeManifestAPI{tracks: []backend.ManifestTrack{
		{ItemID: "a", URL: "https://cdn.example.com/a.mp3", ExpiresAt: expiry},
		{ItemID: "b", URL: "https://cdn.example.com/b.mp3", ExpiresAt: expiry},
		{ItemID: "c", URL: "https://cdn.example.com/c.mp3", ExpiresAt: expiry},
	}}
	itemAPI := &fakeItemAPI{}
	manifests, cache := newManifestFixture(manifestAPI, itemAPI, time.Millisecond)

	var progressCalls []int
	sources, err := manifests.ResolveCollection(context.Background(), "col-1", testItems("a", "b", "c"),
		func(resolved, total int) {
			progressCalls = append(progressCalls, resolved)
			if total != 3 {
				t.Errorf("Expected total 3, got %d", total)
			}
		})
	if err != nil {
		t.Fatalf("ResolveCollection failed: %v", err)
	}

	if len(sources) != 3 {
		t.Fatalf("Expected 3 sources, got %d", len(sources))
	}
	if sources["b"] != "https://cdn.example.com/b.mp3" {
		t.Errorf("Unexpected source for b: %s", sources["b"])
	}
	if len(progressCalls) != 3 || progressCalls[2] != 3 {
		t.Errorf("Unexpected progress sequence: %v", progressCalls)
	}
	if len(itemAPI.calls) != 0 {
		t.Errorf("Primary path should not resolve items individually, got %v", itemAPI.calls)
	}

	// Every track landed in the shared cache
	for _, id := range []string{"a", "b", "c"} {
		if _, ok := cache.Get(id); !ok {
			t.Errorf("Expected cache entry for %s", id)
		}
	}
}

func TestManifestPartialResponseFillsGapsSequentially(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	manifestAPI := &fakeManifestAPI{tracks: []backend.ManifestTrack{
		{ItemID: "a", URL: "https://cdn.example.com/a.mp3", ExpiresAt: expiry},
		{ItemID: "c", URL: "https://cdn.example.com/c.mp3", ExpiresAt: expiry},
	}}
	itemAPI := &fakeItemAPI{}
	manifests, _ := newManifestFixture(manifestAPI, itemAPI, time.Millisecond)

	var progressCalls []int
	sources, err := manifests.ResolveCollection(context.Background(), "col-1", testItems("a", "b", "c"),
		func(resolved, total int) {
			progressCalls = append(progressCalls, resolved)
			if total != 3 {
				t.Errorf("Expected total 3, got %d", total)
			}
		})
	if err != nil {
		t.Fatalf("ResolveCollection failed: %v", err)
	}

	if len(sources) != 3 {
		t.Fatalf("Expected all 3 sources, got %d", len(sources))
	}
	if sources["b"] != "https://cdn.example.com/b.mp3" {
		t.Errorf("Unexpected source for the missing track: %s", sources["b"])
	}
	if len(itemAPI.calls) != 1 || itemAPI.calls[0] != "b" {
		t.Errorf("Only the missing track should be resolved individually, got %v", itemAPI.calls)
	}
	if len(progressCalls) == 0 || progressCalls[len(progressCalls)-1] != 3 {
		t.Errorf("Progress should reach the full item count, got %v", progressCalls)
	}
}

func TestManifestFallbackSkipsFailingItems(t *testing.T) {
	manifestAPI := &fakeManifestAPI{err: fmt.Errorf("manifest endpoint unavailable")}
	itemAPI := &fakeItemAPI{failing: map[string]bool{"b": true}}
	manifests, _ := newManifestFixture(manifestAPI, itemAPI, time.Millisecond)

	var progressCalls int
	sources, err := manifests.ResolveCollection(context.Background(), "col-1", testItems("a", "b", "c"),
		func(resolved, total int) { progressCalls++ })
	if err != nil {
		t.Fatalf("ResolveCollection failed: %v", err)
	}

	if len(sources) != 2 {
		t.Fatalf("Expected 2 sources after skipping b, got %d", len(sources))
	}
	if _, ok := sources["b"]; ok {
		t.Error("Failing item should be absent from the result")
	}
	if sources["a"] == "" || sources["c"] == "" {
		t.Errorf("Expected sources for a and c, got %v", sources)
	}
	if progressCalls != 3 {
		t.Errorf("Progress should advance past failures, got %d calls", progressCalls)
	}
	if len(itemAPI.calls) != 3 {
		t.Errorf("Expected 3 sequential resolutions, got %v", itemAPI.calls)
	}
}

func TestManifestFallbackHonorsCancellation(t *testing.T) {
	manifestAPI := &fakeManifestAPI{err: fmt.Errorf("manifest endpoint unavailable")}
	itemAPI := &fakeItemAPI{}
	manifests, _ := newManifestFixture(manifestAPI, itemAPI, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	sources, err := manifests.ResolveCollection(ctx, "col-1", testItems("a", "b", "c"), nil)
	if err != context.Canceled {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if len(sources) != 1 {
		t.Errorf("Expected the partial result resolved before cancellation, got %d", len(sources))
	}
}

func TestRefreshIfNeededSkipsFreshCollection(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	manifestAPI := &fakeManifestAPI{tracks: []backend.ManifestTrack{
		{ItemID: "a", URL: "https://cdn.example.com/a.mp3", ExpiresAt: expiry},
	}}
	manifests, _ := newManifestFixture(manifestAPI, &fakeItemAPI{}, time.Millisecond)

	if _, err := manifests.ResolveCollection(context.Background(), "col-1", testItems("a"), nil); err != nil {
		t.Fatalf("ResolveCollection failed: %v", err)
	}

	manifests.RefreshIfNeeded(context.Background())
	if manifestAPI.callCount() != 1 {
		t.Errorf("Fresh collection should not be re-resolved, got %d calls", manifestAPI.callCount())
	}
}

func TestRefreshIfNeededReResolvesExpiringCollection(t *testing.T) {
	manifestAPI := &fakeManifestAPI{tracks: []backend.ManifestTrack{
		{ItemID: "a", URL: "https://cdn.example.com/a.mp3", ExpiresAt: time.Now().Add(80 * time.Millisecond)},
	}}
	manifests, _ := newManifestFixture(manifestAPI, &fakeItemAPI{}, time.Millisecond)

	if _, err := manifests.ResolveCollection(context.Background(), "col-1", testItems("a"), nil); err != nil {
		t.Fatalf("ResolveCollection failed: %v", err)
	}

	// Cross the refresh threshold of the 80ms lease
	time.Sleep(70 * time.Millisecond)

	manifests.RefreshIfNeeded(context.Background())
	if manifestAPI.callCount() != 2 {
		t.Errorf("Expiring collection should be re-resolved, got %d calls", manifestAPI.callCount())
	}
}

func TestRefreshIfNeededWithoutPlaybackIsNoop(t *testing.T) {
	manifestAPI := &fakeManifestAPI{}
	manifests, _ := newManifestFixture(manifestAPI, &fakeItemAPI{}, time.Millisecond)

	manifests.RefreshIfNeeded(context.Background())
	if manifestAPI.callCount() != 0 {
		t.Errorf("Refresh with no played collection should be a no-op, got %d calls", manifestAPI.callCount())
	}
}
