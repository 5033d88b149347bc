// Package net is the transport worker behind the network frameserver
// kinds: it bridges the event rings of a net-cl or net-srv source to a
// websocket peer. Payload framing and validation beyond the envelope is
// an external concern; state-transfer tags pass through opaque.
package net

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/silky/arcan/internal/event"
)

var log = logging.Logger("net")

// Envelope is the wire message. Kind mirrors the NET event kinds. A
// "state" envelope is forwarded as a bare NetStateXfer event carrying only
// the connection id; State bytes are not carried in either direction.
type Envelope struct {
	Kind    string `json:"kind"` // "message", "input", "state"
	Message string `json:"message,omitempty"`
	Input   []int  `json:"input,omitempty"`
	State   []byte `json:"state,omitempty"`
}

// Events is where a worker delivers inbound traffic, converted to NET
// events ready for the child's outbound ring.
type Events chan event.Event

// Client is the net-cl worker: one websocket connection to a host.
type Client struct {
	conn   *websocket.Conn
	events Events

	mu     sync.Mutex
	closed bool
}

// Dial connects to the host, emitting connected or nohost on the event
// channel. The read pump runs until the connection breaks.
func Dial(addr string, events Events) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		events <- event.NewNet(event.NetNoHost, event.NetData{})
		return nil, err
	}
	c := &Client{conn: conn, events: events}
	events <- event.NewNet(event.NetConnected, event.NetData{ConnID: 1})
	go c.readPump()
	return c, nil
}

func (c *Client) readPump() {
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				log.Warnw("connection broken", "err", err)
				c.events <- event.NewNet(event.NetBroken, event.NetData{})
			}
			return
		}
		if ev, ok := toEvent(env, 1); ok {
			c.events <- ev
		}
	}
}

// Send forwards one outbound envelope.
func (c *Client) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("net: client closed")
	}
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(env)
}

// Close emits disconnected and drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.events <- event.NewNet(event.NetDisconnected, event.NetData{ConnID: 1})
	return c.conn.Close()
}

// Server is the net-srv worker: an accept loop with per-connection ids.
type Server struct {
	events   Events
	upgrader websocket.Upgrader
	srv      *http.Server

	mu     sync.Mutex
	conns  map[uint32]*websocket.Conn
	nextID uint32
}

// Listen starts accepting on addr.
func Listen(addr string, events Events) (*Server, error) {
	s := &Server{
		events: events,
		conns:  make(map[uint32]*websocket.Conn),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.accept)
	s.srv = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := s.srv.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			log.Errorw("listen failed", "addr", addr, "err", err)
			events <- event.NewNet(event.NetBroken, event.NetData{})
		}
	}()
	return s, nil
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.conns[id] = conn
	s.mu.Unlock()

	s.events <- event.NewNet(event.NetConnected, event.NetData{ConnID: id})

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			break
		}
		if ev, ok := toEvent(env, id); ok {
			s.events <- ev
		}
	}

	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
	conn.Close()
	s.events <- event.NewNet(event.NetDisconnected, event.NetData{ConnID: id})
}

// Send targets one connection; id 0 broadcasts.
func (s *Server) Send(id uint32, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != 0 {
		conn, ok := s.conns[id]
		if !ok {
			return errors.New("net: no such connection")
		}
		return conn.WriteMessage(websocket.TextMessage, raw)
	}
	for _, conn := range s.conns {
		conn.WriteMessage(websocket.TextMessage, raw)
	}
	return nil
}

// Close stops the accept loop and every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	for id, conn := range s.conns {
		conn.Close()
		delete(s.conns, id)
	}
	s.mu.Unlock()
	return s.srv.Close()
}

// toEvent converts a wire envelope to a NET event. Oversize messages are
// truncated by the event codec; unknown kinds are dropped.
func toEvent(env Envelope, conn uint32) (event.Event, bool) {
	switch env.Kind {
	case "message":
		return event.NewNet(event.NetCustomMsg,
			event.NetData{ConnID: conn, Message: env.Message}), true
	case "input":
		var d event.InputData
		if len(env.Input) >= 2 {
			d.Devid = uint16(env.Input[0])
			d.Subid = uint16(env.Input[1])
		}
		if len(env.Input) >= 3 {
			d.Keysym = uint32(env.Input[2])
		}
		ev := event.NewInput(event.IODigital, d)
		ev.Category = event.Net
		ev.Kind = event.NetInputEvent
		return ev, true
	case "state":
		// opaque pass-through for an external state-transfer handler
		return event.NewNet(event.NetStateXfer,
			event.NetData{ConnID: conn}), true
	}
	return event.Event{}, false
}

// FromEvent converts an outbound NET event back to an envelope.
func FromEvent(ev event.Event) (Envelope, bool) {
	if ev.Category != event.Net {
		return Envelope{}, false
	}
	switch ev.Kind {
	case event.NetCustomMsg:
		return Envelope{Kind: "message", Message: ev.NetData().Message}, true
	case event.NetInputEvent:
		d := ev.InputData()
		return Envelope{Kind: "input",
			Input: []int{int(d.Devid), int(d.Subid), int(d.Keysym)}}, true
	case event.NetStateXfer:
		return Envelope{Kind: "state"}, true
	}
	return Envelope{}, false
}
