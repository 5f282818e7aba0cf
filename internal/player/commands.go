package player

import "fmt"

// jumpStepMs is the relative seek distance for jump commands
const jumpStepMs = 15000

// CommandType identifies a transport command
type CommandType string

const (
	CommandPlay        CommandType = "play"
	CommandPause       CommandType = "pause"
	CommandToggle      CommandType = "toggle"
	CommandNext        CommandType = "next"
	CommandPrevious    CommandType = "previous"
	CommandStop        CommandType = "stop"
	CommandSeek        CommandType = "seek"
	CommandJumpForward CommandType = "jump_forward"
	CommandJumpBack    CommandType = "jump_back"
)

// Command is the transport message contract. Every execution context that
// can control playback, the HTTP API included, sends these instead of
// reimplementing transport logic.
type Command struct {
	Type       CommandType `json:"type"`
	PositionMs int64       `json:"positionMs,omitempty"`
}

// Dispatch executes a transport command against the session
func (s *Session) Dispatch(cmd Command) error {
	switch cmd.Type {
	case CommandPlay:
		s.Play()
	case CommandPause:
		s.Pause()
	case CommandToggle:
		s.TogglePause()
	case CommandNext:
		s.Next()
	case CommandPrevious:
		s.Previous()
	case CommandStop:
		s.Clear()
	case CommandSeek:
		s.Seek(cmd.PositionMs)
	case CommandJumpForward:
		s.jump(jumpStepMs)
	case CommandJumpBack:
		s.jump(-jumpStepMs)
	default:
		return fmt.Errorf("unknown transport command: %s", cmd.Type)
	}
	return nil
}

// jump seeks relative to the current position, clamped at zero
func (s *Session) jump(deltaMs int64) {
	pos, err := s.engine.Position()
	if err != nil {
		return
	}
	target := pos + deltaMs
	if target < 0 {
		target = 0
	}
	s.Seek(target)
}
