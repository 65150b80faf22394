package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/socledger/socledger/internal/audit"
)

// Feed fans appended audit entries out to websocket clients. Only chain
// metadata is sent; details stay encrypted and are fetched through
// /api/logs/{id}.
//
// A single hub goroutine owns the connection set; registration,
// unregistration, and broadcast all go through its channels.
type Feed struct {
	connections map[*feedConn]bool
	clients     atomic.Int32

	broadcastCh  chan []byte
	registerCh   chan *feedConn
	unregisterCh chan *feedConn
	done         chan struct{}
	closeOnce    sync.Once
}

// FeedEvent is the message sent for each appended entry.
type FeedEvent struct {
	ID           int64        `json:"id"`
	UserID       string       `json:"user_id"`
	Action       audit.Action `json:"action"`
	PreviousHash string       `json:"previous_hash"`
	CurrentHash  string       `json:"current_hash"`
	CreatedAt    time.Time    `json:"created_at"`
}

type feedConn struct {
	conn *websocket.Conn
	send chan []byte
}

const feedWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewFeed starts the hub goroutine.
func NewFeed() *Feed {
	f := &Feed{
		connections:  make(map[*feedConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *feedConn),
		unregisterCh: make(chan *feedConn),
		done:         make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *Feed) run() {
	for {
		select {
		case c := <-f.registerCh:
			f.connections[c] = true
			f.clients.Store(int32(len(f.connections)))
			slog.Debug("feed client connected", "total", len(f.connections))

		case c := <-f.unregisterCh:
			f.drop(c)

		case msg := <-f.broadcastCh:
			for c := range f.connections {
				select {
				case c.send <- msg:
				default:
					// Slow client; drop it rather than stall the feed.
					f.drop(c)
				}
			}

		case <-f.done:
			for c := range f.connections {
				f.drop(c)
			}
			return
		}
	}
}

func (f *Feed) drop(c *feedConn) {
	if _, ok := f.connections[c]; !ok {
		return
	}
	delete(f.connections, c)
	close(c.send)
	f.clients.Store(int32(len(f.connections)))
	slog.Debug("feed client disconnected", "total", len(f.connections))
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	return int(f.clients.Load())
}

// Publish queues e for every connected client. It never blocks; when the
// broadcast buffer is full the event is dropped from the live feed (it
// is still in the log).
func (f *Feed) Publish(e audit.Entry) {
	data, err := json.Marshal(FeedEvent{
		ID:           e.ID,
		UserID:       e.UserID,
		Action:       e.Action,
		PreviousHash: e.PreviousHash,
		CurrentHash:  e.CurrentHash,
		CreatedAt:    e.CreatedAt,
	})
	if err != nil {
		slog.Error("marshaling feed event", "error", err)
		return
	}
	select {
	case f.broadcastCh <- data:
	default:
	}
}

// Close disconnects every client and stops the hub.
func (f *Feed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

func (f *Feed) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &feedConn{conn: conn, send: make(chan []byte, 64)}
	select {
	case f.registerCh <- c:
	case <-f.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(f)
}

// writePump sends queued messages until the hub closes c.send.
func (c *feedConn) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// readPump drains client frames to detect disconnection. The feed is
// server to client only.
func (c *feedConn) readPump(f *Feed) {
	defer func() {
		select {
		case f.unregisterCh <- c:
		case <-f.done:
		}
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, http.StatusNotFound, "live feed disabled")
		return
	}
	s.feed.serve(w, r)
}
