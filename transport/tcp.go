package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/hiqbridge/health"
	"github.com/luma/hiqbridge/protocol"
)

// TCPHealthID is the id the discovery server reports its health under
const TCPHealthID = "TCP"

const writeQueueSize = 127

// TCPServer answers HiQnet devices that connect to us, so we show up as a
// well behaved device on the network. It does not carry parameter traffic.
type TCPServer struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	opts  Options
	codec *protocol.Codec
	addr  string

	mu          sync.Mutex
	listener    net.Listener
	activeConns map[*TCPConn]struct{}

	sessions atomic.Uint32

	log *zap.Logger
}

func NewTCPServer(options Options) *TCPServer {
	if options.Port == 0 {
		options.Port = DefaultPort
	}
	if options.MinIdleTimeout <= 0 {
		options.MinIdleTimeout = DefaultMinIdleTimeout
	}
	if options.Health == nil {
		options.Health = health.ReporterFunc(func(string, bool) {})
	}
	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	return &TCPServer{
		opts:        options,
		codec:       protocol.NewCodec(options.Local),
		addr:        net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		activeConns: make(map[*TCPConn]struct{}),
		log:         options.Log.Named("tcp"),
	}
}

// Start listens and accepts connections in the background
func (t *TCPServer) Start(parentCtx context.Context) error {
	listener, err := reuseport.Listen("tcp", t.addr)
	if err != nil {
		t.opts.Health.Report(TCPHealthID, false)
		return err
	}

	ctx, cancel := context.WithCancel(parentCtx)
	t.cancel = cancel

	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()

	t.log.Info("TCP discovery server started", zap.String("addr", listener.Addr().String()))
	t.opts.Health.Report(TCPHealthID, true)

	t.stopWaiter.Add(1)
	go func() {
		defer t.stopWaiter.Done()

		if err := t.accept(ctx, listener); err != nil {
			t.log.Error("TCP discovery server stopped accepting", zap.Error(err))
			t.opts.Health.Report(TCPHealthID, false)
		}
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	return nil
}

// Addr is the address the server is listening on
func (t *TCPServer) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Close stops accepting and closes every connection
func (t *TCPServer) Close() (err error) {
	t.log.Info("Stopping TCP discovery server")
	if t.cancel != nil {
		t.cancel()
	}

	t.mu.Lock()
	conns := make([]*TCPConn, 0, len(t.activeConns))
	for conn := range t.activeConns {
		conns = append(conns, conn)
	}
	t.mu.Unlock()

	for _, conn := range conns {
		err = multierr.Append(err, conn.Close())
	}

	t.stopWaiter.Wait()
	t.opts.Health.Report(TCPHealthID, false)

	return err
}

func (t *TCPServer) accept(ctx context.Context, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		tcpConn := newTCPConn(ctx, t, conn.(*net.TCPConn))
		t.addConn(tcpConn)

		t.stopWaiter.Add(1)
		go func() {
			defer t.stopWaiter.Done()
			defer t.removeConn(tcpConn)

			tcpConn.Start()
		}()
	}
}

func (t *TCPServer) addConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activeConns[conn] = struct{}{}
}

func (t *TCPServer) removeConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.activeConns, conn)
}

// Conns returns the number of open connections
func (t *TCPServer) Conns() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.activeConns)
}

// TCPConn is a single device connected to the discovery server
type TCPConn struct {
	ctx        context.Context
	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup

	server *TCPServer
	conn   *net.TCPConn

	writeQueue chan protocol.Message

	keepAliveMs atomic.Int64
	keepAlives  atomic.Bool

	log *zap.Logger
}

func newTCPConn(parentCtx context.Context, server *TCPServer, conn *net.TCPConn) *TCPConn {
	ctx, cancel := context.WithCancel(parentCtx)

	c := &TCPConn{
		ctx:        ctx,
		cancel:     cancel,
		server:     server,
		conn:       conn,
		writeQueue: make(chan protocol.Message, writeQueueSize),
		log:        server.log.Named("conn").With(zap.Stringer("remote", conn.RemoteAddr())),
	}
	c.keepAliveMs.Store(int64(server.opts.Info.KeepAliveMs))

	return c
}

func (t *TCPConn) Close() error {
	t.cancel()
	return nil
}

// Start runs the read and write loops until the connection ends
func (t *TCPConn) Start() {
	t.log.Debug("Device connected")

	t.loopWaiter.Add(2)

	go func() {
		defer t.loopWaiter.Done()
		defer t.cancel()
		t.ReadLoop()
	}()

	go func() {
		defer t.loopWaiter.Done()
		t.WriteLoop()
	}()

	go func() {
		<-t.ctx.Done()
		// unblocks the read loop
		t.conn.CloseRead()
	}()

	t.loopWaiter.Wait()
	t.conn.Close()

	t.log.Debug("Device disconnected")
}

func (t *TCPConn) idleTimeout() time.Duration {
	timeout := 2 * time.Duration(t.keepAliveMs.Load()) * time.Millisecond
	if timeout < t.server.opts.MinIdleTimeout {
		return t.server.opts.MinIdleTimeout
	}
	return timeout
}

func (t *TCPConn) ReadLoop() {
	frames := protocol.NewFrameReader(t.conn)

	for {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.idleTimeout())); err != nil {
			return
		}

		frame, err := frames.ReadFrame()
		if err != nil {
			if t.ctx.Err() == nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					t.log.Info("Device went idle, closing")
				} else if !isClosed(err) {
					t.log.Debug("Read failed", zap.Error(err))
				}
			}
			return
		}

		m, err := t.server.codec.Decode(frame)
		if err != nil {
			if errors.Is(err, protocol.ErrIncorrectDestination) {
				t.log.Debug("Ignoring frame", zap.Error(err))
			} else {
				t.log.Warn("Failed to decode frame", zap.Error(err))
			}
			continue
		}

		t.server.opts.Metrics.PacketReceived("tcp_server", "decoded")

		if !t.handle(m) {
			return
		}
	}
}

// handle answers m and returns false when the device said goodbye
func (t *TCPConn) handle(m protocol.Message) bool {
	opts := &t.server.opts
	h := t.server.codec.Header(m.GetHeader().Source)

	switch msg := m.(type) {
	case *protocol.DiscoInfo:
		t.negotiate(msg.Info.KeepAliveMs)
		if msg.IsQuery() {
			t.Write(protocol.NewDiscoInfo(h, opts.Info, false))
		}

	case *protocol.Hello:
		if msg.IsQuery() {
			session := uint16(t.server.sessions.Add(1))
			t.Write(protocol.NewHello(h, session, protocol.SessionSupported, false))
			t.startKeepAlives(h)
		}

	case *protocol.MultiParamGet:
		if msg.IsStartKeepAlive() {
			t.startKeepAlives(h)
		}

	case *protocol.GetAttributes:
		t.Write(protocol.NewGetAttributesReply(h, t.server.attributes(msg.AttributeIDs)...))

	case *protocol.Goodbye:
		t.log.Debug("Device said goodbye", zap.Uint16("device", msg.Device))
		return false

	default:
		t.log.Debug("Ignoring message", zap.Stringer("id", m.GetMessageID()))
	}

	return true
}

// startKeepAlives sends the first keepalive right away, the write loop sends
// the rest
func (t *TCPConn) startKeepAlives(h protocol.Header) {
	if t.keepAlives.CompareAndSwap(false, true) {
		t.Write(protocol.NewDiscoInfo(h, t.server.opts.Info, false))
	}
}

func (t *TCPConn) negotiate(advertisedMs uint16) {
	if advertisedMs == 0 {
		return
	}
	if int64(advertisedMs) < t.keepAliveMs.Load() {
		t.keepAliveMs.Store(int64(advertisedMs))
	}
}

func (t *TCPConn) WriteLoop() {
	defer func() {
		err := t.conn.CloseWrite()
		if err != nil && !isClosed(err) && !strings.Contains(err.Error(), "transport endpoint is not connected") {
			t.log.Warn("Failed to close writes on connection cleanly", zap.Error(err))
		}
	}()

	opts := &t.server.opts
	broadcast := t.server.codec.Header(protocol.BroadcastAddress)

	var seq uint16
	write := func(m protocol.Message) bool {
		frame, err := protocol.EncodeWithSequence(m, seq)
		if err != nil {
			t.log.Warn("Failed to encode reply", zap.Stringer("id", m.GetMessageID()), zap.Error(err))
			return true
		}
		seq = protocol.NextSequence(seq)

		if _, err := t.conn.Write(frame); err != nil {
			t.log.Debug("Failed to write", zap.Error(err))
			t.cancel()
			return false
		}
		return true
	}

	if !write(protocol.NewDiscoInfo(broadcast, opts.Info, true)) {
		return
	}

	timer := time.NewTimer(t.keepAlive())
	defer timer.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return

		case m := <-t.writeQueue:
			if !write(m) {
				return
			}

		case <-timer.C:
			if t.keepAlives.Load() {
				if !write(protocol.NewDiscoInfo(broadcast, opts.Info, false)) {
					return
				}
			}
			timer.Reset(t.keepAlive())
		}
	}
}

func (t *TCPConn) keepAlive() time.Duration {
	d := time.Duration(t.keepAliveMs.Load()) * time.Millisecond
	if d < time.Second {
		return time.Second
	}
	return d
}

// Write queues m for the write loop. Messages are dropped once the
// connection is closing or the queue is full.
func (t *TCPConn) Write(m protocol.Message) {
	select {
	case <-t.ctx.Done():
	case t.writeQueue <- m:
	default:
		t.log.Warn("Write queue is full, dropping reply", zap.Stringer("id", m.GetMessageID()))
	}
}

func (t *TCPServer) attributes(requested []uint16) []protocol.Parameter {
	opts := &t.opts

	all := []protocol.Parameter{
		{ID: uint16(protocol.AttrClassName), Type: protocol.TypeString, Value: opts.Name},
		{ID: uint16(protocol.AttrNameString), Type: protocol.TypeString, Value: opts.Name},
		{ID: uint16(protocol.AttrFlags), Type: protocol.TypeUWord, Value: uint16(0)},
		{ID: uint16(protocol.AttrSerialNumber), Type: protocol.TypeBlock, Value: opts.Info.Serial},
		{ID: uint16(protocol.AttrSoftwareVersion), Type: protocol.TypeString, Value: opts.Version},
		{ID: uint16(protocol.AttrAdminPassword), Type: protocol.TypeBlock, Value: []byte{}},
		{ID: uint16(protocol.AttrConfigState), Type: protocol.TypeBlock, Value: []byte{}},
		{ID: uint16(protocol.AttrDeviceState), Type: protocol.TypeULong, Value: uint32(0)},
	}

	if len(requested) == 0 {
		return all
	}

	wanted := make(map[uint16]bool, len(requested))
	for _, id := range requested {
		wanted[id] = true
	}

	attrs := make([]protocol.Parameter, 0, len(requested))
	for _, attr := range all {
		if wanted[attr.ID] {
			attrs = append(attrs, attr)
		}
	}
	return attrs
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
