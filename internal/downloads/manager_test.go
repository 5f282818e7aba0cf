package downloads

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/avielb/kolcast/internal/models"
	"github.com/sirupsen/logrus"
)

type fakeResolver struct {
	url string
	err error
}

func (f *fakeResolver) ResolveRemote(ctx context.Context, item *models.MediaItem) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testItem(id string) *models.MediaItem {
	return &models.MediaItem{
		ID:          id,
		Title:       "Lecture " + id,
		Speaker:     "R. Cohen",
		Collection:  "Tractate Berakhot",
		DurationSec: 2700,
	}
}

func newTestManager(t *testing.T, sourceURL string) (*Manager, *Store) {
	t.Helper()
	store := NewStore(t.TempDir())
	manager := NewManager(store, &fakeResolver{url: sourceURL}, testLogger())
	return manager, store
}

func TestDownloadWritesMediaAndSidecar(t *testing.T) {
	payload := strings.Repeat("audio-bytes ", 4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, payload)
	}))
	defer server.Close()

	manager, store := newTestManager(t, server.URL)

	var lastWritten, lastTotal int64
	record, err := manager.Start(context.Background(), testItem("a"), func(written, total int64, percent float64) {
		lastWritten, lastTotal = written, total
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if record.FileSize != int64(len(payload)) {
		t.Errorf("Expected file size %d, got %d", len(payload), record.FileSize)
	}
	if lastWritten != int64(len(payload)) || lastTotal != int64(len(payload)) {
		t.Errorf("Final progress should report the full transfer, got %d/%d", lastWritten, lastTotal)
	}

	data, err := os.ReadFile(store.MediaPath("a"))
	if err != nil {
		t.Fatalf("Media file not written: %v", err)
	}
	if string(data) != payload {
		t.Error("Media file content does not match the served payload")
	}

	records, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	if records[0].Title != "Lecture a" || records[0].Speaker != "R. Cohen" {
		t.Errorf("Sidecar metadata not reflected in record: %+v", records[0])
	}
}

func TestAlreadyDownloadedIsRejectedBeforeAnyWork(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		fmt.Fprint(w, "bytes")
	}))
	defer server.Close()

	manager, _ := newTestManager(t, server.URL)

	if _, err := manager.Start(context.Background(), testItem("a"), nil); err != nil {
		t.Fatalf("First download failed: %v", err)
	}

	_, err := manager.Start(context.Background(), testItem("a"), nil)
	if !errors.Is(err, ErrDownloadConflict) {
		t.Fatalf("Expected ErrDownloadConflict, got %v", err)
	}
	if requests != 1 {
		t.Errorf("Rejected download should not hit the network, got %d requests", requests)
	}
}

func TestConcurrentDownloadOfSameItemIsRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		close(started)
		<-release
	}))
	defer server.Close()
	defer close(release)

	manager, _ := newTestManager(t, server.URL)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		manager.Start(context.Background(), testItem("a"), nil)
	}()
	<-started

	if !manager.Downloading("a") {
		t.Error("Expected item to be reported as downloading")
	}

	_, err := manager.Start(context.Background(), testItem("a"), nil)
	if !errors.Is(err, ErrDownloadConflict) {
		t.Fatalf("Expected ErrDownloadConflict for concurrent start, got %v", err)
	}

	if err := manager.Cancel("a"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	wg.Wait()
}

func TestCancelPurgesPartialFile(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("x", 64*1024))
		w.(http.Flusher).Flush()
		close(started)
		<-release
	}))
	defer server.Close()
	defer close(release)

	manager, store := newTestManager(t, server.URL)

	done := make(chan error, 1)
	go func() {
		_, err := manager.Start(context.Background(), testItem("a"), nil)
		done <- err
	}()
	<-started

	// Let some chunks land before cancelling
	time.Sleep(30 * time.Millisecond)
	if err := manager.Cancel("a"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	err := <-done
	if err == nil {
		t.Fatal("Expected cancelled download to fail")
	}

	if _, ok := store.LocalPath("a"); ok {
		t.Error("Partial media file should be purged after cancellation")
	}
	if manager.Downloading("a") {
		t.Error("Cancelled download should leave the in-flight registry")
	}

	// Identity is free again for a retry
	if err := manager.Cancel("a"); err == nil {
		t.Error("Expected no in-flight download after cleanup")
	}
}

func TestCancelStuckOnlyCancelsOldDownloads(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		close(started)
		<-release
	}))
	defer server.Close()
	defer close(release)

	manager, _ := newTestManager(t, server.URL)

	done := make(chan error, 1)
	go func() {
		_, err := manager.Start(context.Background(), testItem("a"), nil)
		done <- err
	}()
	<-started

	manager.CancelStuck(time.Hour)
	if !manager.Downloading("a") {
		t.Fatal("Young download should survive CancelStuck")
	}

	manager.CancelStuck(0)
	if err := <-done; err == nil {
		t.Error("Stuck download should have been cancelled")
	}
}

func TestResolutionFailureLeavesNoArtifacts(t *testing.T) {
	store := NewStore(t.TempDir())
	manager := NewManager(store, &fakeResolver{err: fmt.Errorf("no source")}, testLogger())

	_, err := manager.Start(context.Background(), testItem("a"), nil)
	if err == nil {
		t.Fatal("Expected failure when resolution fails")
	}

	records, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected no records after failed download, got %d", len(records))
	}
}

func TestDeleteRefusesInFlightDownload(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		close(started)
		<-release
	}))
	defer server.Close()
	defer close(release)

	manager, _ := newTestManager(t, server.URL)

	go manager.Start(context.Background(), testItem("a"), nil)
	<-started

	if err := manager.Delete("a"); !errors.Is(err, ErrDownloadConflict) {
		t.Fatalf("Expected ErrDownloadConflict deleting an in-flight item, got %v", err)
	}
}

func TestDeleteRemovesMediaAndSidecar(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "bytes")
	}))
	defer server.Close()

	manager, store := newTestManager(t, server.URL)

	if _, err := manager.Start(context.Background(), testItem("a"), nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := manager.Delete("a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, ok := store.LocalPath("a"); ok {
		t.Error("Media file should be gone after Delete")
	}
	if _, err := os.Stat(store.SidecarPath("a")); !os.IsNotExist(err) {
		t.Error("Sidecar should be gone after Delete")
	}
}

func TestListDegradesToPlaceholderWithoutSidecar(t *testing.T) {
	store := NewStore(t.TempDir())
	if err := store.EnsureDir(); err != nil {
		t.Fatalf("EnsureDir failed: %v", err)
	}
	if err := os.WriteFile(store.MediaPath("orphan"), []byte("bytes"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	records, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	if records[0].Title != "orphan" {
		t.Errorf("Expected placeholder title from item ID, got %q", records[0].Title)
	}
	if records[0].FileSize != 5 {
		t.Errorf("Expected file size from disk, got %d", records[0].FileSize)
	}
}

func TestListOnMissingDirectoryIsEmpty(t *testing.T) {
	store := NewStore("/nonexistent/kolcast-downloads")

	records, err := store.List()
	if err != nil {
		t.Fatalf("List on a missing directory should not fail: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected no records, got %d", len(records))
	}

	total, err := store.TotalBytes()
	if err != nil || total != 0 {
		t.Errorf("Expected zero bytes, got %d (err %v)", total, err)
	}
}
