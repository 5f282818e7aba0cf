package models

// TransportState represents the current state of the playback session
type TransportState string

const (
	StateIdle      TransportState = "idle"
	StateResolving TransportState = "resolving"
	StateLoading   TransportState = "loading"
	StatePlaying   TransportState = "playing"
	StatePaused    TransportState = "paused"
	StateBuffering TransportState = "buffering"
	StateEnded     TransportState = "ended"
	StateError     TransportState = "error"
)

// RepeatMode represents queue behavior at track and queue boundaries
type RepeatMode string

const (
	RepeatOff RepeatMode = "off"
	RepeatOne RepeatMode = "one"
	RepeatAll RepeatMode = "all"
)
