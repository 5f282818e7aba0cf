package player

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/avielb/kolcast/internal/models"
	"github.com/sirupsen/logrus"
)

// SourceResolver turns one media item into a playable source
type SourceResolver interface {
	Resolve(ctx context.Context, item *models.MediaItem) (string, error)
}

// BatchResolver bulk-resolves sources for a whole collection
type BatchResolver interface {
	ResolveCollection(ctx context.Context, collectionID string, items []*models.MediaItem, progress func(resolved, total int)) (map[string]string, error)
}

// PositionSync persists playback positions, as a no-op when anonymous
type PositionSync interface {
	LastKnown(ctx context.Context, itemID string) int64
	Update(ctx context.Context, itemID string, positionMs int64)
}

// StatsStore buffers listening reports for later delivery
type StatsStore interface {
	EnqueueListeningEvent(event *models.ListeningEvent) error
}

// Status is a snapshot of the session for callers
type Status struct {
	State          models.TransportState `json:"state"`
	Current        *models.MediaItem     `json:"current,omitempty"`
	QueueLength    int                   `json:"queueLength"`
	Index          int                   `json:"index"`
	Shuffle        bool                  `json:"shuffle"`
	Repeat         models.RepeatMode     `json:"repeat"`
	PositionMs     int64                 `json:"positionMs"`
	DurationMs     int64                 `json:"durationMs"`
	SleepRemaining int                   `json:"sleepRemainingSec"`
	Error          string                `json:"error,omitempty"`
}

// Session is the playback orchestrator: it owns the current item, the queue,
// transport state and the sleep timer, and wires resolution, the media
// engine and position sync together. It is the sole writer of transport
// state. Stale asynchronous results are discarded by an epoch token captured
// when work starts and checked before its result is applied.
type Session struct {
	resolver     SourceResolver
	batch        BatchResolver
	positions    PositionSync
	stats        StatsStore
	engine       Engine
	logger       *logrus.Logger
	syncInterval time.Duration

	mu            sync.Mutex
	state         models.TransportState
	lastErr       error
	current       *models.MediaItem
	queue         []*models.MediaItem
	order         []int // play order as queue indices, reshuffled when shuffle toggles
	index         int   // position within order
	shuffle       bool
	repeat        models.RepeatMode
	epoch         uint64
	cancelResolve context.CancelFunc
	pendingSrc    string // source handed to the engine for the current item
	seeked        bool   // saved-position seek already done for the current item
	playedSec     float64
	playStart     time.Time
	sleepTimer    *time.Timer
	sleepDeadline time.Time
	stopSync      chan struct{}
	closed        bool
}

// NewSession creates a playback session and starts consuming engine events
func NewSession(engine Engine, resolver SourceResolver, batch BatchResolver, positions PositionSync, stats StatsStore, syncInterval time.Duration, logger *logrus.Logger) *Session {
	s := &Session{
		resolver:     resolver,
		batch:        batch,
		positions:    positions,
		stats:        stats,
		engine:       engine,
		logger:       logger,
		syncInterval: syncInterval,
		state:        models.StateIdle,
		repeat:       models.RepeatOff,
	}

	go s.eventLoop()
	return s
}

// SetLecture makes item the current track and begins source resolution.
// Setting the already-current item is a no-op. Any in-flight resolution for
// a previous item is invalidated: its result is discarded even if it
// completes later.
func (s *Session) SetLecture(item *models.MediaItem) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.current != nil && s.current.ID == item.ID {
		s.mu.Unlock()
		return
	}

	s.leaveCurrentLocked()

	if !s.inQueueLocked(item.ID) {
		s.queue = []*models.MediaItem{item}
		s.rebuildOrderLocked(0)
	} else {
		s.moveToLocked(item.ID)
	}

	ctx, epoch := s.beginWorkLocked()
	s.current = item
	s.seeked = false
	s.lastErr = nil
	s.setStateLocked(models.StateResolving)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"item_id": item.ID,
		"title":   item.Title,
	}).Info("Switching track")

	go s.resolveAndLoad(ctx, epoch, item)
}

// PlayCollection replaces the queue with a collection and starts playback at
// start. Sources for the rest of the queue are bulk-resolved in the
// background to warm the cache.
func (s *Session) PlayCollection(collectionID string, items []*models.MediaItem, start int) {
	if len(items) == 0 {
		return
	}
	if start < 0 || start >= len(items) {
		start = 0
	}

	s.mu.Lock()
	s.queue = items
	s.shuffle = false
	s.rebuildOrderLocked(start)
	s.mu.Unlock()

	s.SetLecture(items[start])

	if s.batch != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			_, err := s.batch.ResolveCollection(ctx, collectionID, items, func(resolved, total int) {
				s.logger.WithFields(logrus.Fields{
					"collection_id": collectionID,
					"resolved":      resolved,
					"total":         total,
				}).Debug("Warming collection sources")
			})
			if err != nil {
				s.logger.WithError(err).WithField("collection_id", collectionID).Warn("Collection warm-up failed")
			}
		}()
	}
}

// AddToQueue appends an item to the play queue
func (s *Session) AddToQueue(item *models.MediaItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inQueueLocked(item.ID) {
		return
	}
	s.queue = append(s.queue, item)
	s.order = append(s.order, len(s.queue)-1)
}

// beginWorkLocked issues a fresh epoch and resolution context, invalidating
// any prior in-flight work
func (s *Session) beginWorkLocked() (context.Context, uint64) {
	if s.cancelResolve != nil {
		s.cancelResolve()
	}
	s.epoch++
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelResolve = cancel
	return ctx, s.epoch
}

// resolveAndLoad runs off the caller's goroutine; epoch is checked before
// every state mutation so superseded work is dropped
func (s *Session) resolveAndLoad(ctx context.Context, epoch uint64, item *models.MediaItem) {
	src, err := s.resolver.Resolve(ctx, item)

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		s.logger.WithField("item_id", item.ID).Debug("Discarding superseded resolution result")
		return
	}
	if err != nil {
		s.lastErr = err
		s.setStateLocked(models.StateError)
		s.mu.Unlock()
		s.logger.WithError(err).WithField("item_id", item.ID).Error("Resolution failed")
		return
	}
	s.pendingSrc = src
	s.setStateLocked(models.StateLoading)
	s.mu.Unlock()

	if err := s.engine.Load(ctx, src); err != nil {
		s.mu.Lock()
		if epoch == s.epoch {
			s.lastErr = err
			s.setStateLocked(models.StateError)
		}
		s.mu.Unlock()
		s.logger.WithError(err).WithField("item_id", item.ID).Error("Engine load failed")
	}
}

// eventLoop consumes engine events until the session closes
func (s *Session) eventLoop() {
	for event := range s.engine.Events() {
		switch event.Type {
		case EventReady:
			s.onReady(event)
		case EventEnded:
			s.onEnded()
		case EventBuffering:
			s.onBuffering()
		case EventResumed:
			s.onResumed()
		case EventError:
			s.onEngineError(event.Err)
		}
	}
}

// onReady starts playback once the engine confirms the pending source is
// loaded, and restores the saved position exactly once per item. A ready
// acknowledging anything other than the pending source is a leftover from a
// superseded load and is dropped.
func (s *Session) onReady(event Event) {
	s.mu.Lock()
	if s.state != models.StateLoading || s.current == nil {
		s.mu.Unlock()
		return
	}
	if event.URI != s.pendingSrc {
		s.mu.Unlock()
		s.logger.WithField("uri", event.URI).Debug("Dropping ready event for a superseded source")
		return
	}
	item := s.current
	epoch := s.epoch
	seekNeeded := !s.seeked
	s.seeked = true
	s.enterPlayingLocked()
	s.mu.Unlock()

	if err := s.engine.Play(); err != nil {
		s.logger.WithError(err).Warn("Engine play failed")
	}

	if seekNeeded {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		pos := s.positions.LastKnown(ctx, item.ID)
		cancel()

		if pos > 0 {
			// The user may have switched again while we fetched the position
			s.mu.Lock()
			still := epoch == s.epoch
			s.mu.Unlock()
			if still {
				if err := s.engine.Seek(pos); err != nil {
					s.logger.WithError(err).Warn("Saved-position seek failed")
				}
			}
		}
	}
}

// onEnded advances through the queue according to the repeat mode
func (s *Session) onEnded() {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return
	}

	if s.repeat == models.RepeatOne {
		s.mu.Unlock()
		if err := s.engine.Seek(0); err == nil {
			s.engine.Play()
		}
		return
	}

	next, ok := s.nextIndexLocked(1, s.repeat == models.RepeatAll)
	if !ok {
		s.leaveCurrentLocked()
		s.setStateLocked(models.StateEnded)
		s.mu.Unlock()
		s.logger.Info("Queue finished")
		return
	}
	item := s.queue[s.order[next]]
	s.index = next
	s.mu.Unlock()

	s.SetLecture(item)
}

func (s *Session) onBuffering() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == models.StatePlaying {
		s.setStateLocked(models.StateBuffering)
	}
}

func (s *Session) onResumed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == models.StateBuffering {
		s.setStateLocked(models.StatePlaying)
	}
}

func (s *Session) onEngineError(err error) {
	s.mu.Lock()
	s.leavePlayingLocked()
	s.lastErr = err
	s.setStateLocked(models.StateError)
	s.mu.Unlock()
	s.logger.WithError(err).Error("Engine error")
}

// Play resumes playback of the current item. After the queue has ended the
// engine has already unloaded the source, so the current item is driven
// through resolution and load again, replaying from the beginning.
func (s *Session) Play() {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return
	}

	if s.state == models.StateEnded {
		item := s.current
		ctx, epoch := s.beginWorkLocked()
		s.seeked = true // a replay starts from the beginning
		s.lastErr = nil
		s.setStateLocked(models.StateResolving)
		s.mu.Unlock()
		go s.resolveAndLoad(ctx, epoch, item)
		return
	}

	if s.state != models.StatePaused {
		s.mu.Unlock()
		return
	}
	s.enterPlayingLocked()
	s.mu.Unlock()

	if err := s.engine.Play(); err != nil {
		s.logger.WithError(err).Warn("Engine play failed")
	}
}

// Pause suspends playback and flushes the current position
func (s *Session) Pause() {
	s.mu.Lock()
	if s.current == nil || (s.state != models.StatePlaying && s.state != models.StateBuffering) {
		s.mu.Unlock()
		return
	}
	s.leavePlayingLocked()
	s.setStateLocked(models.StatePaused)
	s.mu.Unlock()

	if err := s.engine.Pause(); err != nil {
		s.logger.WithError(err).Warn("Engine pause failed")
	}
	s.flushPosition()
}

// TogglePause flips between playing and paused
func (s *Session) TogglePause() {
	s.mu.Lock()
	playing := s.state == models.StatePlaying || s.state == models.StateBuffering
	s.mu.Unlock()

	if playing {
		s.Pause()
	} else {
		s.Play()
	}
}

// Next advances to the next queue item, wrapping only in repeat-all
func (s *Session) Next() {
	s.skip(1)
}

// Previous moves to the previous queue item, wrapping only in repeat-all
func (s *Session) Previous() {
	s.skip(-1)
}

func (s *Session) skip(step int) {
	s.mu.Lock()
	next, ok := s.nextIndexLocked(step, s.repeat == models.RepeatAll)
	if !ok {
		s.mu.Unlock()
		return
	}
	item := s.queue[s.order[next]]
	s.index = next
	s.mu.Unlock()

	s.SetLecture(item)
}

// nextIndexLocked computes a bounds-checked move within the play order
func (s *Session) nextIndexLocked(step int, wrap bool) (int, bool) {
	if len(s.order) == 0 {
		return 0, false
	}
	next := s.index + step
	if next < 0 || next >= len(s.order) {
		if !wrap {
			return 0, false
		}
		next = (next + len(s.order)) % len(s.order)
	}
	return next, true
}

// Seek moves playback to positionMs and syncs the position immediately
func (s *Session) Seek(positionMs int64) {
	s.mu.Lock()
	item := s.current
	s.mu.Unlock()
	if item == nil {
		return
	}

	if err := s.engine.Seek(positionMs); err != nil {
		s.logger.WithError(err).Warn("Seek failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.positions.Update(ctx, item.ID, positionMs)
}

// SetRepeat sets the repeat mode
func (s *Session) SetRepeat(mode models.RepeatMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repeat = mode
}

// SetShuffle toggles shuffle, re-deriving the play order without losing the
// current item
func (s *Session) SetShuffle(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuffle == on {
		return
	}
	s.shuffle = on
	s.rebuildOrderLocked(s.currentQueueIndexLocked())
}

// SetSleepTimer arranges a forced pause after d. A second call replaces the
// countdown.
func (s *Session) SetSleepTimer(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sleepTimer != nil {
		s.sleepTimer.Stop()
	}
	s.sleepDeadline = time.Now().Add(d)
	s.sleepTimer = time.AfterFunc(d, func() {
		s.logger.Info("Sleep timer elapsed, pausing")
		s.Pause()
		s.mu.Lock()
		s.sleepTimer = nil
		s.sleepDeadline = time.Time{}
		s.mu.Unlock()
	})
}

// CancelSleepTimer clears a pending sleep countdown
func (s *Session) CancelSleepTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sleepTimer != nil {
		s.sleepTimer.Stop()
		s.sleepTimer = nil
		s.sleepDeadline = time.Time{}
	}
}

// Clear stops playback and resets the session to idle
func (s *Session) Clear() {
	s.flushPosition()

	s.mu.Lock()
	s.leaveCurrentLocked()
	if s.cancelResolve != nil {
		s.cancelResolve()
		s.cancelResolve = nil
	}
	s.current = nil
	s.queue = nil
	s.order = nil
	s.index = 0
	s.lastErr = nil
	s.setStateLocked(models.StateIdle)
	if s.sleepTimer != nil {
		s.sleepTimer.Stop()
		s.sleepTimer = nil
		s.sleepDeadline = time.Time{}
	}
	s.mu.Unlock()

	if err := s.engine.Stop(); err != nil {
		s.logger.WithError(err).Warn("Engine stop failed")
	}
}

// Background flushes the current position best-effort, called when the host
// app moves to the background
func (s *Session) Background() {
	s.flushPosition()
}

// Close tears the session down: flush position, clear timers, stop transport
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.Clear()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Status returns a snapshot of the session
func (s *Session) Status() Status {
	s.mu.Lock()
	status := Status{
		State:       s.state,
		Current:     s.current,
		QueueLength: len(s.queue),
		Index:       s.index,
		Shuffle:     s.shuffle,
		Repeat:      s.repeat,
	}
	if s.lastErr != nil {
		status.Error = s.lastErr.Error()
	}
	if !s.sleepDeadline.IsZero() {
		status.SleepRemaining = int(time.Until(s.sleepDeadline).Seconds())
	}
	hasCurrent := s.current != nil
	s.mu.Unlock()

	if hasCurrent {
		if pos, err := s.engine.Position(); err == nil {
			status.PositionMs = pos
		}
		if dur, err := s.engine.Duration(); err == nil {
			status.DurationMs = dur
		}
	}

	return status
}

// State returns the current transport state
func (s *Session) State() models.TransportState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the current media item, or nil
func (s *Session) Current() *models.MediaItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// internal helpers, all requiring s.mu

func (s *Session) setStateLocked(state models.TransportState) {
	if s.state == state {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"from": s.state,
		"to":   state,
	}).Debug("Transport state change")
	s.state = state
}

// enterPlayingLocked transitions to playing and starts the periodic position
// sync, which is stopped again whenever playing ends
func (s *Session) enterPlayingLocked() {
	s.setStateLocked(models.StatePlaying)
	s.playStart = time.Now()
	if s.stopSync == nil {
		s.stopSync = make(chan struct{})
		go s.syncLoop(s.stopSync)
	}
}

func (s *Session) leavePlayingLocked() {
	if !s.playStart.IsZero() {
		s.playedSec += time.Since(s.playStart).Seconds()
		s.playStart = time.Time{}
	}
	if s.stopSync != nil {
		close(s.stopSync)
		s.stopSync = nil
	}
}

// leaveCurrentLocked finalizes accounting for the outgoing item
func (s *Session) leaveCurrentLocked() {
	s.leavePlayingLocked()

	if s.current != nil && s.playedSec >= 1 {
		event := &models.ListeningEvent{
			ItemID:      s.current.ID,
			PlaySeconds: int(s.playedSec),
		}
		if err := s.stats.EnqueueListeningEvent(event); err != nil {
			s.logger.WithError(err).Warn("Failed to buffer listening event")
		}
	}
	s.playedSec = 0
}

// syncLoop writes the position periodically while playing
func (s *Session) syncLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.flushPosition()
		}
	}
}

// flushPosition reads the engine position and hands it to the synchronizer
func (s *Session) flushPosition() {
	s.mu.Lock()
	item := s.current
	s.mu.Unlock()
	if item == nil {
		return
	}

	pos, err := s.engine.Position()
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.positions.Update(ctx, item.ID, pos)
}

func (s *Session) inQueueLocked(itemID string) bool {
	for _, item := range s.queue {
		if item.ID == itemID {
			return true
		}
	}
	return false
}

// moveToLocked points the play order index at the given queue item
func (s *Session) moveToLocked(itemID string) {
	for pos, qi := range s.order {
		if s.queue[qi].ID == itemID {
			s.index = pos
			return
		}
	}
}

func (s *Session) currentQueueIndexLocked() int {
	if len(s.order) == 0 {
		return 0
	}
	if s.index >= 0 && s.index < len(s.order) {
		return s.order[s.index]
	}
	return 0
}

// rebuildOrderLocked derives the play order. With shuffle on, the item at
// queue index keep plays first and the rest follow in random order.
func (s *Session) rebuildOrderLocked(keep int) {
	n := len(s.queue)
	s.order = make([]int, n)
	if n == 0 {
		s.index = 0
		return
	}

	if !s.shuffle {
		for i := range s.order {
			s.order[i] = i
		}
		s.index = keep
		return
	}

	perm := rand.Perm(n)
	for pos, qi := range perm {
		if qi == keep {
			perm[0], perm[pos] = perm[pos], perm[0]
			break
		}
	}
	copy(s.order, perm)
	s.index = 0
}
