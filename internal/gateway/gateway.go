// Package gateway bridges the core to the presentation layer over a
// websocket: bus events go out as JSON frames, UI commands come back in.
package gateway

import (
	"encoding/json"
	log "log/slog"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"qaia/internal/bus"
)

// Controller is what the presentation layer is allowed to do.
type Controller interface {
	SendText(text string)
	StartCapture() error
	StopCapture()
}

// Frame is one outbound event.
type Frame struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"ts"`
}

// Command is one inbound UI request.
type Command struct {
	Cmd  string `json:"cmd"`
	Text string `json:"text,omitempty"`
}

// forwarded is the subset of bus topics the presentation layer sees.
var forwarded = []string{
	bus.TopicToken,
	bus.TopicReplyStart,
	bus.TopicReplyComplete,
	bus.TopicReplyError,
	bus.TopicAgentState,
	bus.TopicLogMessage,
	bus.TopicCaptureQuality,
}

const (
	writeWait      = 5 * time.Second
	clientBacklog  = 256
	maxCommandSize = 64 * 1024
)

type client struct {
	conn *ws.Conn
	send chan Frame
}

type Server struct {
	ctrl     Controller
	upgrader ws.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	subs    []bus.Subscription
}

func NewServer(b *bus.Bus, ctrl Controller) *Server {
	s := &Server{
		ctrl: ctrl,
		upgrader: ws.Upgrader{
			// Local-only service; the listener binds loopback.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}

	for _, topic := range forwarded {
		topic := topic
		s.subs = append(s.subs, b.Subscribe(topic, func(ev bus.Event) {
			s.broadcast(Frame{Topic: ev.Topic, Payload: ev.Payload, Time: ev.Time})
		}))
	}
	return s
}

// ServeHTTP upgrades the connection and runs the client until it drops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Websocket upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan Frame, clientBacklog)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	log.Info("Presentation client connected", "remote", r.RemoteAddr)

	go s.writeLoop(c)
	s.readLoop(c)
}

func (s *Server) writeLoop(c *client) {
	for frame := range c.send {
		payload, err := json.Marshal(frame)
		if err != nil {
			log.Error("Failed to marshal frame", "topic", frame.Topic, "err", err)
			continue
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(ws.TextMessage, payload); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(c *client) {
	defer s.drop(c)

	c.conn.SetReadLimit(maxCommandSize)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if !ws.IsCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway) {
				log.Debug("Websocket read ended", "err", err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			log.Warn("Bad UI command", "err", err)
			continue
		}
		s.dispatch(cmd)
	}
}

func (s *Server) dispatch(cmd Command) {
	switch cmd.Cmd {
	case "send_text":
		if cmd.Text != "" {
			s.ctrl.SendText(cmd.Text)
		}
	case "start_capture":
		if err := s.ctrl.StartCapture(); err != nil {
			log.Warn("Capture request refused", "err", err)
		}
	case "stop_capture":
		s.ctrl.StopCapture()
	default:
		log.Warn("Unknown UI command", "cmd", cmd.Cmd)
	}
}

func (s *Server) broadcast(frame Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- frame:
		default:
			// Slow consumer; dropping beats blocking the bus.
		}
	}
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
	c.conn.Close()
}

// Close disconnects every client. Bus subscriptions die with the bus.
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.drop(c)
	}
}
