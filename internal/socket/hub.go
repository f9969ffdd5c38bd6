// Package socket streams scan session changes to terminals over websockets.
package socket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/canopyworks/custody/internal/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

// Frame is one status message sent to a watcher.
type Frame struct {
	SessionID  uuid.UUID            `json:"session_id"`
	Status     models.SessionStatus `json:"status"`
	MemberID   *uuid.UUID           `json:"member_id,omitempty"`
	MemberName string               `json:"member_name,omitempty"`
	ExpiresAt  time.Time            `json:"expires_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
}

func FrameFor(s models.AuthorizationSession) Frame {
	return Frame{
		SessionID:  s.ID,
		Status:     s.Status,
		MemberID:   s.VerifiedMemberID,
		MemberName: s.VerifiedMemberName,
		ExpiresAt:  s.ExpiresAt,
		FinishedAt: s.FinishedAt,
	}
}

type watcher struct {
	send chan Frame
}

// Hub fans session changes out to the watchers of each session.
type Hub struct {
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	watchers map[uuid.UUID]map[*watcher]struct{}
}

func NewHub(checkOrigin func(r *http.Request) bool) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		watchers: make(map[uuid.UUID]map[*watcher]struct{}),
	}
}

// Publish delivers s to its watchers. Slow watchers miss frames rather than
// block the caller.
func (h *Hub) Publish(s models.AuthorizationSession) {
	frame := FrameFor(s)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for w := range h.watchers[s.ID] {
		select {
		case w.send <- frame:
		default:
		}
	}
}

// Watchers returns the number of open connections for a session.
func (h *Hub) Watchers(id uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[id])
}

func (h *Hub) register(id uuid.UUID, w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watchers[id] == nil {
		h.watchers[id] = make(map[*watcher]struct{})
	}
	h.watchers[id][w] = struct{}{}
}

func (h *Hub) unregister(id uuid.UUID, w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.watchers[id], w)
	if len(h.watchers[id]) == 0 {
		delete(h.watchers, id)
	}
}

// Loader reads the current state of the watched session.
type Loader func(ctx context.Context) (*models.AuthorizationSession, error)

// stage orders statuses along the handshake. Every change moves a session
// forward, so a frame not ranked above the last one sent is stale.
func stage(s models.SessionStatus) int {
	switch {
	case s == models.SessionAwaitingScan:
		return 0
	case s == models.SessionVerifying:
		return 1
	case s == models.SessionVerified:
		return 2
	default:
		return 3
	}
}

// Serve upgrades the request and streams frames for session id until it
// reaches a terminal status or the peer goes away. The watcher is registered
// before load runs, so the first frame is the state as of registration and no
// later change is missed.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, id uuid.UUID, load Loader) {
	logger := zerolog.Ctx(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	wt := &watcher{send: make(chan Frame, sendBuffer)}
	h.register(id, wt)
	defer h.unregister(id, wt)

	current, err := load(r.Context())
	if err != nil {
		logger.Debug().Err(err).Msg("Watched session is gone")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session not found"),
			time.Now().Add(writeWait))
		return
	}

	closed := make(chan struct{})
	go readPump(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	last := -1
	write := func(frame Frame) (done bool) {
		if stage(frame.Status) <= last {
			return false
		}
		last = stage(frame.Status)

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(frame); err != nil {
			logger.Debug().Err(err).Msg("Websocket write failed")
			return true
		}
		if frame.Status.IsTerminal() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(frame.Status)),
				time.Now().Add(writeWait))
			return true
		}
		return false
	}

	if write(FrameFor(*current)) {
		return
	}

	for {
		select {
		case <-closed:
			return
		case frame := <-wt.send:
			if write(frame) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so control frames are handled, and closes
// done when the peer disconnects.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
