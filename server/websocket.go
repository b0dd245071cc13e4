package server

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/luma/hiqbridge/bridge"
	"github.com/luma/hiqbridge/packet"
)

const (
	// AuthTimeout is how long a new connection has to send its token
	AuthTimeout = 10 * time.Second

	// TestMessage acknowledges authentication and answers "__test__"
	TestMessage = "__test__"

	maxMessageSize = 64 * 1024
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second
)

var errAuthFailed = errors.New("Authentication failed")

// wsConn serves one WebSocket connection. Only writeLoop writes to the
// socket, everything else queues on the client's outbox.
type wsConn struct {
	server  *Server
	conn    *websocket.Conn
	address string
	client  *bridge.ClientSession
	log     *zap.Logger
}

func (s *Server) serveWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already replied
		s.log.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns.Add(1)
	s.mu.Unlock()
	defer s.conns.Done()

	address := s.clientAddress(c.Request)
	w := &wsConn{
		server:  s,
		conn:    conn,
		address: address,
		log:     s.log.With(zap.String("client", address)),
	}

	w.serve(s.ctx)
}

func (w *wsConn) serve(parentCtx context.Context) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	go func() {
		<-ctx.Done()
		w.conn.Close()
	}()

	w.conn.SetReadLimit(maxMessageSize)

	if err := w.authenticate(); err != nil {
		w.log.Info("Refused WebSocket client", zap.Error(err))
		w.reject()
		return
	}

	state := w.server.opts.State
	state.Clients.Add(w.client)
	w.server.opts.Metrics.SetClients(state.Clients.Len())

	w.log.Info("WebSocket client connected",
		zap.String("user", w.client.User),
		zap.Bool("admin", w.client.Admin),
		zap.Any("options", w.client.Options),
	)

	defer w.disconnect()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		w.writeLoop(ctx)
	}()

	w.send([]byte(TestMessage))

	w.readLoop()
	cancel()
	<-writerDone
}

func (w *wsConn) authenticate() error {
	if err := w.conn.SetReadDeadline(time.Now().Add(AuthTimeout)); err != nil {
		return err
	}

	_, message, err := w.conn.ReadMessage()
	if err != nil {
		return err
	}

	auth := w.server.opts.Auth
	if auth == nil {
		return errAuthFailed
	}

	token, err := auth.Verify(message)
	if err != nil {
		return err
	}

	w.client = bridge.NewClientSession(
		uuid.NewString(),
		w.address,
		token.User,
		token.Options,
		token.Admin,
		w.server.opts.SendQueueSize,
	)
	w.log = w.log.With(zap.String("user", token.User))

	return w.conn.SetReadDeadline(time.Time{})
}

// reject closes the connection without telling the peer why
func (w *wsConn) reject() {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, deadline)
}

func (w *wsConn) readLoop() {
	for {
		_, message, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				w.log.Debug("WebSocket read failed", zap.Error(err))
			}
			return
		}

		w.handle(message)
	}
}

func (w *wsConn) writeLoop(ctx context.Context) {
	outbox := w.client.Outbox()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-outbox.Notify():
			for _, msg := range outbox.Drain() {
				if err := w.write(websocket.TextMessage, msg); err != nil {
					w.log.Debug("WebSocket write failed", zap.Error(err))
					return
				}
			}

		case <-ping.C:
			if err := w.write(websocket.PingMessage, nil); err != nil {
				w.log.Debug("WebSocket ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (w *wsConn) write(messageType int, data []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(messageType, data)
}

func (w *wsConn) send(msg []byte) {
	if w.client.Send(msg) {
		w.server.opts.Metrics.Dropped("client", 1)
	}
}

// disconnect removes the client and releases its subscriptions
func (w *wsConn) disconnect() {
	state := w.server.opts.State

	state.Clients.Remove(w.client.ID)
	w.server.opts.Metrics.SetClients(state.Clients.Len())

	released := w.unsubscribeAll()

	w.log.Info("WebSocket client disconnected", zap.Int("subscriptions", released))
}

func (w *wsConn) unsubscribeAll() int {
	registry := w.server.opts.State.Registry
	absolute, percent := w.client.ClearKeys()

	for _, key := range absolute {
		registry.ClientUnsubscribe(key, false, w.client.ID)
	}
	for _, key := range percent {
		registry.ClientUnsubscribe(key, true, w.client.ID)
	}

	return len(absolute) + len(percent)
}

func (w *wsConn) handle(message []byte) {
	if cmd, ok := commands[string(message)]; ok {
		if cmd.admin && !w.client.Admin {
			w.log.Debug("Ignored admin command", zap.ByteString("command", message))
			return
		}
		cmd.run(w)
		return
	}

	if w.client.StatusOnly() {
		return
	}

	if gjson.GetBytes(message, "type").String() == "UNSUBSCRIBE_ALL" {
		n := w.unsubscribeAll()
		w.log.Debug("Unsubscribed from everything", zap.Int("count", n))
		return
	}

	p, err := packet.FromJSON(message)
	if err != nil {
		w.log.Warn("Failed to decode client message", zap.ByteString("message", message), zap.Error(err))
		return
	}

	w.handlePacket(p)
}

func (w *wsConn) handlePacket(p *packet.Packet) {
	state := w.server.opts.State

	if _, ok := state.Node(p.Node); !ok {
		w.log.Warn("Packet for unknown node", zap.Stringer("packet", p))
		return
	}

	key := p.Key()
	ns := bridge.NamespaceOf(p.Kind)

	switch {
	case p.IsSubscribe():
		p.Value = int32(w.server.opts.SubscriptionRate / time.Millisecond)

		// before subscribing, so an update racing the subscription is not missed
		w.client.AddKey(ns, key)

		if value, ok := state.Registry.Subscribe(p, w.client.ID); ok {
			w.send(value)
		}

	case p.IsUnsubscribe():
		w.client.RemoveKey(ns, key)
		state.Registry.ClientUnsubscribe(key, p.IsPercent(), w.client.ID)

	default:
		state.Push(p)
	}
}
