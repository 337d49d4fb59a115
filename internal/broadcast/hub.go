// Package broadcast relays freshly added elements to every viewer joined to
// a board. Delivery is fire-and-forget: a slow or gone viewer misses events
// and resynchronizes by fetching the full scene.
package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/canvasmate/internal/canvas"
)

const EventAIElementsAdded = "ai-elements-added"

var ErrHubClosed = errors.New("broadcast hub closed")

// Event is the envelope written to viewers.
type Event struct {
	Event   string           `json:"event"`
	BoardID string           `json:"board_id"`
	Payload []canvas.Element `json:"payload"`
}

// Conn is the part of a websocket connection the hub writes to.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Options struct {
	// SendBuffer is the number of events queued per viewer before new
	// events are dropped for that viewer.
	SendBuffer   int
	WriteTimeout time.Duration
}

const (
	DefaultSendBuffer   = 16
	DefaultWriteTimeout = 10 * time.Second
	maxInboundMessage   = 4096
)

type Hub struct {
	mu       sync.RWMutex
	boards   map[string]map[*Subscription]struct{}
	closed   bool
	opts     Options
	wg       sync.WaitGroup
	upgrader websocket.Upgrader
}

func NewHub(opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Hub{
		boards: make(map[string]map[*Subscription]struct{}),
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Origin checks belong to the HTTP layer's CORS policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Subscription is one viewer joined to one board.
type Subscription struct {
	hub     *Hub
	boardID string
	conn    Conn
	send    chan []byte
	once    sync.Once
}

// Join adds conn to the board's channel and starts its writer.
func (h *Hub) Join(boardID string, conn Conn) (*Subscription, error) {
	sub := &Subscription{
		hub:     h,
		boardID: boardID,
		conn:    conn,
		send:    make(chan []byte, h.opts.SendBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	subs := h.boards[boardID]
	if subs == nil {
		subs = make(map[*Subscription]struct{})
		h.boards[boardID] = subs
	}
	subs[sub] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	go sub.writeLoop()
	log.Debug().Str("board_id", boardID).Msg("Viewer joined board")
	return sub, nil
}

// Leave removes the viewer. Safe to call more than once.
func (s *Subscription) Leave() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.detach()
}

// detach must be called with hub.mu held.
func (s *Subscription) detach() {
	s.once.Do(func() {
		if subs := s.hub.boards[s.boardID]; subs != nil {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.hub.boards, s.boardID)
			}
		}
		close(s.send)
	})
}

func (s *Subscription) writeLoop() {
	defer s.hub.wg.Done()
	defer s.conn.Close()

	for msg := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(s.hub.opts.WriteTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Warn().Err(err).Str("board_id", s.boardID).Msg("Dropping viewer after write failure")
			s.Leave()
			return
		}
	}
}

// Publish sends one ai-elements-added event carrying elements to every viewer
// of the board. It never waits for viewers.
func (h *Hub) Publish(boardID string, elements []canvas.Element) error {
	if elements == nil {
		elements = []canvas.Element{}
	}
	msg, err := json.Marshal(Event{Event: EventAIElementsAdded, BoardID: boardID, Payload: elements})
	if err != nil {
		return fmt.Errorf("%w: encode event: %v", canvas.ErrBroadcast, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return fmt.Errorf("%w: %v", canvas.ErrBroadcast, ErrHubClosed)
	}

	delivered, dropped := 0, 0
	for sub := range h.boards[boardID] {
		select {
		case sub.send <- msg:
			delivered++
		default:
			dropped++
		}
	}
	ev := log.Debug()
	if dropped > 0 {
		ev = log.Warn()
	}
	ev.Str("board_id", boardID).
		Int("elements", len(elements)).
		Int("delivered", delivered).
		Int("dropped", dropped).
		Msg("Published ai-elements-added")
	return nil
}

// Subscribers reports how many viewers are joined to the board.
func (h *Hub) Subscribers(boardID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.boards[boardID])
}

// Close disconnects every viewer and waits for their writers to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for _, subs := range h.boards {
		for sub := range subs {
			sub.detach()
		}
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// ServeWS upgrades the request and keeps the viewer joined until the peer
// goes away. Inbound messages are discarded.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, boardID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	sub, err := h.Join(boardID, conn)
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return err
	}
	defer sub.Leave()

	conn.SetReadLimit(maxInboundMessage)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("board_id", boardID).Msg("Viewer connection closed")
			}
			return nil
		}
	}
}
