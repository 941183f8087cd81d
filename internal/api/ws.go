package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wesleywu/routemesh/internal/apperr"
	"github.com/wesleywu/routemesh/internal/diagnose"
	"github.com/wesleywu/routemesh/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsMaxMessage = 64 << 10
	wsSendBuffer = 64
)

// push encodes ev as {"type": kind, ...payload}
func push(ev events.Event) ([]byte, error) {
	return withType(string(ev.Kind), ev.Payload)
}

func withType(kind string, payload any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("payload of %s is not an object: %w", kind, err)
		}
	}
	t, _ := json.Marshal(kind)
	fields["type"] = t
	return json.Marshal(fields)
}

// clientMessage is any message a websocket client sends
type clientMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`

	// subscribe
	Topics []string `json:"topics"`
	// trace_route
	Destination string `json:"destination"`
	// start_bandwidth_test
	NodeID          string  `json:"node_id"`
	DurationSeconds float64 `json:"duration_seconds"`
	Direction       string  `json:"direction"`
}

type traceRouteReply struct {
	RequestID string `json:"request_id"`
	diagnose.TraceResult
}

type wsError struct {
	RequestID string `json:"request_id,omitempty"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// wsClient is one websocket connection. Only the writer goroutine writes to
// conn.
type wsClient struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}

	mu     sync.RWMutex
	topics map[events.Kind]struct{}
}

func (c *wsClient) wants(kind events.Kind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.topics) == 0 {
		return true
	}
	_, ok := c.topics[kind]
	return ok
}

func (c *wsClient) subscribe(topics []string) error {
	set := make(map[events.Kind]struct{}, len(topics))
	for _, t := range topics {
		kind := events.Kind(t)
		known := false
		for _, k := range events.AllKinds {
			if k == kind {
				known = true
				break
			}
		}
		if !known {
			return badRequest("unknown topic %q", t)
		}
		set[kind] = struct{}{}
	}
	c.mu.Lock()
	c.topics = set
	c.mu.Unlock()
	return nil
}

// enqueue hands a frame to the writer. Frames for a client that is not
// keeping up are dropped.
func (c *wsClient) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		c.server.log.Debug("Dropping websocket frame for slow client", "remote", c.conn.RemoteAddr().String())
	}
}

func (c *wsClient) reply(kind string, payload any) {
	frame, err := withType(kind, payload)
	if err != nil {
		c.server.log.Error("Encode websocket reply failed", "type", kind, "error", err.Error())
		return
	}
	c.enqueue(frame)
}

func (c *wsClient) replyError(requestID string, err error) {
	_, resp := errorResponse(err)
	msg := resp.Message
	if resp.Detail != "" {
		msg = resp.Detail
	}
	c.reply("error", wsError{RequestID: requestID, ErrorCode: resp.Error, Message: msg})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, s.log, disabled("event streaming"))
		return
	}
	sub, err := s.deps.Bus.Subscribe(events.DefaultBuffer)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		s.log.Debug("Websocket upgrade failed", "error", err.Error())
		return
	}

	c := &wsClient{
		server: s,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
	}
	s.log.Debug("Websocket client connected", "remote", conn.RemoteAddr().String())

	s.wsWG.Add(2)
	go func() {
		defer s.wsWG.Done()
		c.writeLoop(sub)
	}()
	go func() {
		defer s.wsWG.Done()
		c.readLoop()
	}()
}

func (c *wsClient) writeLoop(sub *events.Subscription) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		c.conn.Close()
	}()

	write := func(messageType int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return c.conn.WriteMessage(messageType, data)
	}

	for {
		select {
		case <-c.done:
			return
		case <-c.server.closing:
			_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if !c.wants(ev.Kind) {
				continue
			}
			frame, err := push(ev)
			if err != nil {
				c.server.log.Error("Encode push message failed", "type", string(ev.Kind), "error", err.Error())
				continue
			}
			if err := write(websocket.TextMessage, frame); err != nil {
				return
			}
		case frame := <-c.send:
			if err := write(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readLoop() {
	defer close(c.done)

	c.conn.SetReadLimit(wsMaxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Debug("Websocket read failed", "error", err.Error())
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.replyError("", badRequest("message is not valid JSON"))
			continue
		}
		c.handle(msg)
	}
}

func (c *wsClient) handle(msg clientMessage) {
	s := c.server
	switch msg.Type {
	case "subscribe":
		if err := c.subscribe(msg.Topics); err != nil {
			c.replyError(msg.RequestID, err)
			return
		}
		c.reply("subscribed", map[string]any{"request_id": msg.RequestID, "topics": msg.Topics})

	case "trace_route":
		if s.deps.Diagnose == nil {
			c.replyError(msg.RequestID, disabled("trace-route"))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		res, err := s.deps.Diagnose.TraceRoute(ctx, msg.Destination)
		cancel()
		if err != nil {
			c.replyError(msg.RequestID, err)
			return
		}
		c.reply("trace_route_result", traceRouteReply{RequestID: msg.RequestID, TraceResult: res})

	case "start_bandwidth_test":
		id, err := s.startBandwidthTest(BandwidthTestRequest{
			Target:          msg.NodeID,
			DurationSeconds: msg.DurationSeconds,
			Direction:       msg.Direction,
		})
		if err != nil {
			c.replyError(msg.RequestID, err)
			return
		}
		c.reply("bandwidth_test_started", map[string]string{"request_id": msg.RequestID, "test_id": id})

	default:
		c.replyError(msg.RequestID, apperr.New(apperr.InvalidDestination, "unknown message type %q", msg.Type))
	}
}
