package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"lacquer/internal/dsp"
	"lacquer/internal/library"
)

// Command is a client request on the WebSocket control channel.
type Command struct {
	Cmd         string       `json:"cmd"` // "start" | "seek" | "stop"
	TrackID     string       `json:"track_id,omitempty"`
	ReferenceID string       `json:"reference_id,omitempty"`
	Kind        string       `json:"kind,omitempty"`
	Settings    dsp.Settings `json:"settings,omitzero"`
	SessionID   uint64       `json:"session_id,omitempty"`
	Position    float64      `json:"position,omitempty"` // seconds
}

// WSHandler serves the message-oriented streaming surface over one WebSocket
// per client: JSON commands in, binary chunk frames and JSON control events
// out. Seeks are rate limited per connection; each seek ends the current
// session and starts a fresh one with a new id and an empty tail.
type WSHandler struct {
	controller *Controller
	upgrader   websocket.Upgrader
}

// NewWSHandler creates the WebSocket streaming handler.
func NewWSHandler(controller *Controller) *WSHandler {
	return &WSHandler{
		controller: controller,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The HTTP surface handles cross-origin policy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// wsConn serializes writes: gorilla permits one concurrent writer, and a
// seek briefly overlaps the old session's forwarder with the new one.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) write(m Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if m.Binary {
		return w.conn.WriteMessage(websocket.BinaryMessage, m.Data)
	}
	return w.conn.WriteMessage(websocket.TextMessage, m.Data)
}

func (w *wsConn) writeControl(ctl Control) {
	data, _ := json.Marshal(ctl)
	w.write(Message{Data: data})
}

// Handle upgrades the connection and runs its command loop.
func (h *WSHandler) Handle(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx := c.Request().Context()
	wc := &wsConn{conn: conn}
	seekLimit := rate.NewLimiter(rate.Every(500*time.Millisecond), 3)

	// The connection's current session; replaced on seek, nil after stop.
	var current *Session
	defer func() {
		if current != nil {
			current.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil // disconnect; the deferred Close drains the session
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			wc.writeControl(Control{Type: "error", Code: CodeValidation, Message: "malformed command"})
			continue
		}

		switch cmd.Cmd {
		case "start":
			if current != nil {
				current.Close()
			}
			current = h.start(ctx, wc, cmd)

		case "seek":
			if current == nil || cmd.SessionID != current.ID() {
				wc.writeControl(Control{Type: "error", Code: CodeNotFound, Message: "no such session"})
				continue
			}
			if !seekLimit.Allow() {
				wc.writeControl(Control{
					Type: "error", SessionID: current.ID(),
					Code: CodeRateLimit, Message: "seeking too fast",
				})
				continue
			}
			// A seek is a new session: new id, fresh tail, same track.
			prev := current
			prev.Close()
			current = h.start(ctx, wc, Command{
				TrackID:     prev.TrackID(),
				ReferenceID: prev.refID,
				Kind:        prev.Kind().String(),
				Settings:    prev.settings,
				Position:    cmd.Position,
			})

		case "stop":
			if current != nil {
				current.Close()
				current = nil
			}

		default:
			wc.writeControl(Control{Type: "error", Code: CodeValidation, Message: "unknown command"})
		}
	}
}

// start opens a session and spawns its forwarder. Returns nil when the
// request was rejected (the client got an error event).
func (h *WSHandler) start(ctx context.Context, wc *wsConn, cmd Command) *Session {
	kind, err := ParseKind(cmd.Kind)
	if err != nil {
		wc.writeControl(Control{Type: "error", Code: CodeValidation, Message: err.Error()})
		return nil
	}
	if cmd.Settings == (dsp.Settings{}) {
		cmd.Settings = dsp.DefaultSettings()
	}

	s, err := h.controller.StartSession(ctx, StartRequest{
		TrackID:     cmd.TrackID,
		ReferenceID: cmd.ReferenceID,
		Kind:        kind,
		Settings:    cmd.Settings,
		Position:    time.Duration(cmd.Position * float64(time.Second)),
	})
	if err != nil {
		wc.writeControl(Control{Type: "error", Code: startErrorCode(err), Message: err.Error()})
		return nil
	}

	go forward(s, wc)
	return s
}

// messageWriter is the transport side of a forwarder. wsConn implements it.
type messageWriter interface {
	write(Message) error
}

// forward pushes one session's queue to the connection. Chunks leave in the
// order the render loop queued them: strictly increasing, never reordered.
// A session that runs to completion is drained fully; a draining session's
// backlog is discarded, not written, which is why Done is checked before
// every read from the queue.
func forward(s *Session, w messageWriter) {
	for {
		select {
		case <-s.Done():
			return // draining: discard the backlog
		default:
		}
		select {
		case <-s.Done():
			return
		case m, ok := <-s.Out():
			if !ok {
				return
			}
			if err := w.write(m); err != nil {
				log.Printf("Session %d: write failed: %v", s.ID(), err)
				// The render loop sees done on its next send and closes
				// the queue behind us.
				s.Close()
				return
			}
		}
	}
}

func startErrorCode(err error) string {
	var se *dsp.SettingsError
	switch {
	case errors.As(err, &se):
		return CodeValidation
	case errors.Is(err, library.ErrTrackNotFound):
		return CodeNotFound
	case errors.Is(err, ErrBusy):
		return CodeBusy
	default:
		return CodeProcessing
	}
}
