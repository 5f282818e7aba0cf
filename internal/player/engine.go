package player

import "context"

// EventType identifies a media engine event
type EventType string

const (
	// EventReady fires when a loaded source is ready to play
	EventReady EventType = "ready"
	// EventEnded fires when playback reaches the end of the source
	EventEnded EventType = "ended"
	// EventBuffering fires when playback stalls waiting for data
	EventBuffering EventType = "buffering"
	// EventResumed fires when playback resumes after a stall
	EventResumed EventType = "resumed"
	// EventError fires on a native playback failure
	EventError EventType = "error"
)

// Event is a state notification from the media engine. Ready events carry
// the source URI the engine confirmed, so a ready from a superseded load can
// be told apart from the current one.
type Event struct {
	Type EventType
	URI  string
	Err  error
}

// Engine is the native media engine capability: load a URI, report
// position/duration, expose transport controls. The session is the only
// writer of transport state; the engine just executes commands and reports
// events.
type Engine interface {
	// Load replaces the current source with uri
	Load(ctx context.Context, uri string) error
	Play() error
	Pause() error
	Stop() error
	// Seek moves playback to an absolute position in milliseconds
	Seek(positionMs int64) error
	// Position returns the current playback position in milliseconds
	Position() (int64, error)
	// Duration returns the loaded source's duration in milliseconds
	Duration() (int64, error)
	// Events returns the engine's event stream
	Events() <-chan Event
	// Close terminates the engine and releases its resources
	Close() error
}
