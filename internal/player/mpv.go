package player

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MPVEngine drives a headless mpv process over its JSON IPC socket
type MPVEngine struct {
	cmd    *exec.Cmd
	conn   net.Conn
	logger *logrus.Logger
	events chan Event

	mu           sync.Mutex
	requestID    int
	pending      map[int]chan ipcResponse
	closed       bool
	eventsClosed bool
}

type ipcRequest struct {
	Command   []interface{} `json:"command"`
	RequestID int           `json:"request_id"`
}

type ipcResponse struct {
	Event     string      `json:"event"`
	Reason    string      `json:"reason"`
	Name      string      `json:"name"`
	RequestID int         `json:"request_id"`
	Error     string      `json:"error"`
	Data      interface{} `json:"data"`
}

// NewMPVEngine spawns an idle mpv process and connects to its IPC socket
func NewMPVEngine(logger *logrus.Logger) (*MPVEngine, error) {
	socketPath := filepath.Join(os.TempDir(), fmt.Sprintf("kolcast-mpv-%d.sock", os.Getpid()))

	cmd := exec.Command("mpv",
		"--idle=yes",
		"--no-video",
		"--no-terminal",
		"--input-ipc-server="+socketPath,
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start mpv: %w", err)
	}

	conn, err := waitForSocket(socketPath, 5*time.Second)
	if err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("failed to connect to mpv socket: %w", err)
	}

	e := newEngineOverConn(cmd, conn, logger)

	// Stall detection: mpv flips paused-for-cache while it waits for data
	if _, err := e.command("observe_property", 1, "paused-for-cache"); err != nil {
		logger.WithError(err).Warn("Could not observe cache state, buffering events disabled")
	}

	logger.WithField("socket", socketPath).Info("mpv engine started")
	return e, nil
}

// newEngineOverConn wires an engine onto an established IPC connection
func newEngineOverConn(cmd *exec.Cmd, conn net.Conn, logger *logrus.Logger) *MPVEngine {
	e := &MPVEngine{
		cmd:     cmd,
		conn:    conn,
		logger:  logger,
		events:  make(chan Event, 16),
		pending: make(map[int]chan ipcResponse),
	}
	go e.readLoop()
	return e
}

// waitForSocket polls for the IPC socket until mpv has created it
func waitForSocket(path string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// readLoop decodes IPC messages, routing command replies to their waiters
// and translating mpv events to engine events
func (e *MPVEngine) readLoop() {
	scanner := bufio.NewScanner(e.conn)
	for scanner.Scan() {
		var resp ipcResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			e.logger.WithError(err).Debug("Skipping unparseable mpv message")
			continue
		}

		if resp.Event == "" {
			e.mu.Lock()
			waiter, ok := e.pending[resp.RequestID]
			if ok {
				delete(e.pending, resp.RequestID)
			}
			e.mu.Unlock()
			if ok {
				waiter <- resp
			}
			continue
		}

		switch resp.Event {
		case "file-loaded":
			// Ready events must name the source they acknowledge; the path
			// property is not part of the event, so fetch it. Queried off the
			// read loop, which must keep running to route the reply.
			go func() {
				uri := ""
				if data, err := e.command("get_property", "path"); err == nil {
					if s, ok := data.(string); ok {
						uri = s
					}
				}
				e.emit(Event{Type: EventReady, URI: uri})
			}()
		case "end-file":
			switch resp.Reason {
			case "eof":
				e.emit(Event{Type: EventEnded})
			case "error":
				e.emit(Event{Type: EventError, Err: fmt.Errorf("mpv playback error")})
			}
		case "property-change":
			if resp.Name == "paused-for-cache" {
				if stalled, ok := resp.Data.(bool); ok {
					if stalled {
						e.emit(Event{Type: EventBuffering})
					} else {
						e.emit(Event{Type: EventResumed})
					}
				}
			}
		case "playback-restart":
			e.emit(Event{Type: EventResumed})
		}
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if !closed {
		e.emit(Event{Type: EventError, Err: fmt.Errorf("mpv IPC connection lost")})
	}

	// End the consumer's range loop; emit refuses further sends first
	e.mu.Lock()
	e.eventsClosed = true
	e.mu.Unlock()
	close(e.events)
}

// emit delivers an event without blocking the read loop. Sends happen under
// the mutex so the channel cannot be closed mid-send.
func (e *MPVEngine) emit(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.eventsClosed {
		return
	}
	select {
	case e.events <- event:
	default:
		e.logger.WithField("event", event.Type).Warn("Dropping engine event, channel full")
	}
}

// command sends one IPC command and waits for its reply
func (e *MPVEngine) command(args ...interface{}) (interface{}, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine is closed")
	}
	e.requestID++
	id := e.requestID
	waiter := make(chan ipcResponse, 1)
	e.pending[id] = waiter
	e.mu.Unlock()

	payload, err := json.Marshal(ipcRequest{Command: args, RequestID: id})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal IPC request: %w", err)
	}
	payload = append(payload, '\n')

	if _, err := e.conn.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to write IPC request: %w", err)
	}

	select {
	case resp := <-waiter:
		if resp.Error != "success" {
			return nil, fmt.Errorf("mpv command failed: %s", resp.Error)
		}
		return resp.Data, nil
	case <-time.After(5 * time.Second):
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return nil, fmt.Errorf("mpv command timed out")
	}
}

// Load replaces the current source with uri
func (e *MPVEngine) Load(ctx context.Context, uri string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := e.command("loadfile", uri, "replace")
	return err
}

// Play resumes playback
func (e *MPVEngine) Play() error {
	_, err := e.command("set_property", "pause", false)
	return err
}

// Pause suspends playback
func (e *MPVEngine) Pause() error {
	_, err := e.command("set_property", "pause", true)
	return err
}

// Stop unloads the current source
func (e *MPVEngine) Stop() error {
	_, err := e.command("stop")
	return err
}

// Seek moves playback to an absolute position in milliseconds
func (e *MPVEngine) Seek(positionMs int64) error {
	_, err := e.command("set_property", "time-pos", float64(positionMs)/1000)
	return err
}

// Position returns the current playback position in milliseconds
func (e *MPVEngine) Position() (int64, error) {
	return e.getTimeMs("time-pos")
}

// Duration returns the loaded source's duration in milliseconds
func (e *MPVEngine) Duration() (int64, error) {
	return e.getTimeMs("duration")
}

func (e *MPVEngine) getTimeMs(property string) (int64, error) {
	data, err := e.command("get_property", property)
	if err != nil {
		return 0, err
	}
	seconds, ok := data.(float64)
	if !ok {
		return 0, fmt.Errorf("unexpected %s value: %v", property, data)
	}
	return int64(seconds * 1000), nil
}

// Events returns the engine's event stream
func (e *MPVEngine) Events() <-chan Event {
	return e.events
}

// Close terminates the mpv process and IPC connection
func (e *MPVEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	// Fire-and-forget: mpv may not answer quit before the socket closes
	e.conn.Write([]byte(`{"command":["quit"]}` + "\n"))
	e.conn.Close()

	if e.cmd != nil {
		done := make(chan error, 1)
		go func() { done <- e.cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			e.cmd.Process.Kill()
			<-done
		}
	}

	e.logger.Info("mpv engine stopped")
	return nil
}
