// Package client keeps a guaranteed (TCP) HiQnet session open to a single
// node. It sends parameter commands, resubscribes after every reconnect and
// forwards parameter updates from the node.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luma/hiqbridge/health"
	"github.com/luma/hiqbridge/packet"
	"github.com/luma/hiqbridge/protocol"
	"github.com/luma/hiqbridge/queue"
)

const (
	DefaultReconnectDelay     = 5 * time.Second
	DefaultFastReconnectDelay = 500 * time.Millisecond
	DefaultDialTimeout        = 5 * time.Second
	DefaultTickInterval       = time.Second
	DefaultWriteTimeout       = 5 * time.Second

	// minKeepAlive bounds the keepalive interval negotiated with a node
	minKeepAlive = time.Second
)

// ErrInvalidInfo is returned by Run when the discovery information we
// advertise cannot be encoded
var ErrInvalidInfo = errors.New("invalid discovery information")

type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// SubscriptionSource lists the subscriptions that must be resent to a node
// after it reconnects
type SubscriptionSource interface {
	Subscriptions(node uint16) []*packet.Packet
}

type Options struct {
	// Node is the device address of the node
	Node uint16

	// Addr is the node's host:port
	Addr string

	// Name identifies the session in logs and health reports
	Name string

	// Local is this server's address
	Local protocol.Address

	// Info is the discovery information we advertise
	Info protocol.DiscoveryInformation

	// Outbound holds packets waiting to be sent to the node
	Outbound *queue.Bounded[*packet.Packet]

	// Responses receives parameter updates from the node
	Responses *queue.Bounded[*packet.Packet]

	Subscriptions SubscriptionSource
	Health        health.Reporter
	Metrics       *health.Metrics

	ReconnectDelay     time.Duration
	FastReconnectDelay time.Duration
	DialTimeout        time.Duration
	TickInterval       time.Duration

	Log *zap.Logger
}

type Session struct {
	opts  Options
	codec *protocol.Codec
	log   *zap.Logger

	state     atomic.Int32
	reconnect chan struct{}

	// writeMu serialises writes and sequence numbers on the current connection
	writeMu sync.Mutex
	conn    net.Conn
	seq     uint16

	lastSeen    atomic.Int64
	keepAliveMs atomic.Int64
	healthy     atomic.Bool
}

func NewSession(options Options) *Session {
	if options.ReconnectDelay <= 0 {
		options.ReconnectDelay = DefaultReconnectDelay
	}
	if options.FastReconnectDelay <= 0 {
		options.FastReconnectDelay = DefaultFastReconnectDelay
	}
	if options.DialTimeout <= 0 {
		options.DialTimeout = DefaultDialTimeout
	}
	if options.TickInterval <= 0 {
		options.TickInterval = DefaultTickInterval
	}
	if options.Name == "" {
		options.Name = fmt.Sprintf("0x%x", options.Node)
	}
	if options.Log == nil {
		options.Log = zap.NewNop()
	}
	if options.Health == nil {
		options.Health = health.ReporterFunc(func(string, bool) {})
	}

	return &Session{
		opts:      options,
		codec:     protocol.NewCodec(options.Local),
		log:       options.Log.Named("session").With(zap.String("node", options.Name)),
		reconnect: make(chan struct{}, 1),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	prev := State(s.state.Swap(int32(state)))
	if prev != state {
		s.log.Debug("State changed", zap.Stringer("from", prev), zap.Stringer("to", state))
	}
}

// Reconnect asks the session to say goodbye and reconnect. It does not block.
func (s *Session) Reconnect() {
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

func (s *Session) Name() string {
	return s.opts.Name
}

func (s *Session) report(ok bool) {
	s.healthy.Store(ok)
	s.opts.Health.Report(s.opts.Name, ok)
}

// Run connects to the node and keeps reconnecting until ctx is done
func (s *Session) Run(ctx context.Context) error {
	if _, err := protocol.Encode(s.discoQuery()); err != nil {
		s.setState(StateClosed)
		return fmt.Errorf("%w: %v", ErrInvalidInfo, err)
	}

	s.log.Info("Session started", zap.String("addr", s.opts.Addr))
	s.report(false)

	for {
		fast, err := s.connectOnce(ctx)
		s.report(false)

		if ctx.Err() != nil {
			s.setState(StateClosed)
			s.log.Info("Session stopped")
			return nil
		}

		delay := s.opts.ReconnectDelay
		if fast {
			delay = s.opts.FastReconnectDelay
		}

		if err != nil {
			s.log.Warn("Disconnected from node", zap.Error(err), zap.Duration("reconnect_in", delay))
		} else {
			s.log.Info("Reconnecting to node", zap.Duration("reconnect_in", delay))
		}

		s.setState(StateConnecting)

		select {
		case <-ctx.Done():
			s.setState(StateClosed)
			s.log.Info("Session stopped")
			return nil
		case <-time.After(delay):
		}
	}
}

// connectOnce runs a single connection until it fails or is asked to stop.
// fast is true if the next connection attempt should happen quickly.
func (s *Session) connectOnce(ctx context.Context) (fast bool, err error) {
	s.setState(StateConnecting)

	dialer := net.Dialer{Timeout: s.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return false, err
	}

	s.log.Info("Connected", zap.String("addr", s.opts.Addr))

	s.writeMu.Lock()
	s.conn = conn
	s.seq = 0
	s.writeMu.Unlock()

	readErr := make(chan error, 1)
	var readers sync.WaitGroup

	defer func() {
		conn.Close()
		readers.Wait()

		s.writeMu.Lock()
		s.conn = nil
		s.writeMu.Unlock()
	}()

	if err := s.handshake(); err != nil {
		return false, err
	}

	readers.Add(1)
	go func() {
		defer readers.Done()
		readErr <- s.readLoop(conn)
	}()

	s.setState(StateActive)

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	lastKeepAlive := time.Now()
	liveness := 2 * time.Duration(s.opts.Info.KeepAliveMs) * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return false, nil

		case <-s.reconnect:
			s.log.Info("Reconnect requested")
			s.drain()
			return true, nil

		case err := <-readErr:
			return false, err

		case <-s.opts.Outbound.Notify():
			if err := s.sendOutbound(); err != nil {
				return false, err
			}

		case now := <-ticker.C:
			if since := now.Sub(time.Unix(0, s.lastSeen.Load())); since > liveness {
				s.log.Warn("Node timed out, reconnecting", zap.Duration("since_last_message", since))
				return true, nil
			}

			if now.Sub(lastKeepAlive) >= s.keepAlive() {
				lastKeepAlive = now
				if err := s.write(s.discoQuery()); err != nil {
					return false, err
				}
			}
		}
	}
}

func (s *Session) nodeHeader() protocol.Header {
	return s.codec.Header(protocol.Address{Device: s.opts.Node})
}

func (s *Session) discoQuery() protocol.Message {
	return protocol.NewDiscoInfo(s.nodeHeader(), s.opts.Info, true)
}

func (s *Session) keepAlive() time.Duration {
	return time.Duration(s.keepAliveMs.Load()) * time.Millisecond
}

// handshake starts discovery and keepalives, then restores subscriptions.
// Anything queued while disconnected is stale and dropped before the
// subscriptions are read, so one added meanwhile is still sent.
func (s *Session) handshake() error {
	s.setState(StateHandshaking)

	s.keepAliveMs.Store(int64(s.opts.Info.KeepAliveMs))
	s.lastSeen.Store(time.Now().UnixNano())

	if err := s.write(s.discoQuery()); err != nil {
		return err
	}
	if err := s.write(protocol.NewStartKeepAlive(s.nodeHeader())); err != nil {
		return err
	}

	if stale := s.opts.Outbound.Drain(); len(stale) > 0 {
		s.log.Info("Discarded stale commands", zap.Int("count", len(stale)))
	}

	if s.opts.Subscriptions != nil {
		subs := s.opts.Subscriptions.Subscriptions(s.opts.Node)
		for _, sub := range subs {
			// unsubscribe first so the node sends the current value again
			if unsub := sub.Unsubscribe(); unsub != nil {
				if err := s.writePacket(unsub); err != nil {
					return err
				}
			}
			if err := s.writePacket(sub); err != nil {
				return err
			}
		}

		if len(subs) > 0 {
			s.log.Info("Resubscribed", zap.Int("count", len(subs)))
		}
	}

	return nil
}

func (s *Session) sendOutbound() error {
	for {
		p, ok := s.opts.Outbound.TryPop()
		if !ok {
			return nil
		}
		if err := s.writePacket(p); err != nil {
			return err
		}
	}
}

// writePacket maps and sends p. Packets that cannot be mapped or encoded are
// logged and dropped, only socket errors are returned.
func (s *Session) writePacket(p *packet.Packet) error {
	m, err := p.ToMessage(s.opts.Local)
	if err != nil {
		s.log.Warn("Failed to map packet", zap.Stringer("packet", p), zap.Error(err))
		return nil
	}

	err = s.write(m)
	if errors.Is(err, protocol.ErrEncodeFailed) {
		s.log.Warn("Failed to encode packet", zap.Stringer("packet", p), zap.Error(err))
		return nil
	}
	return err
}

var errNotConnected = errors.New("Session is not connected")

func (s *Session) write(m protocol.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.conn == nil {
		return errNotConnected
	}

	frame, err := protocol.EncodeWithSequence(m, s.seq)
	if err != nil {
		return err
	}
	s.seq = protocol.NextSequence(s.seq)

	if err := s.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout)); err != nil {
		return err
	}

	_, err = s.conn.Write(frame)
	return err
}

// drain says goodbye before the connection is closed
func (s *Session) drain() {
	s.setState(StateDraining)

	if err := s.write(protocol.NewGoodbye(s.nodeHeader(), s.opts.Local.Device)); err != nil {
		s.log.Debug("Failed to send goodbye", zap.Error(err))
	}
}

func (s *Session) readLoop(conn net.Conn) error {
	frames := protocol.NewFrameReader(conn)

	for {
		frame, err := frames.ReadFrame()
		if err != nil {
			return err
		}

		m, err := s.codec.Decode(frame)
		if err != nil {
			if errors.Is(err, protocol.ErrIncorrectDestination) {
				s.log.Debug("Ignoring frame", zap.Error(err))
				s.opts.Metrics.PacketReceived("tcp", "filtered")
			} else {
				s.log.Warn("Failed to decode frame", zap.Error(err))
				s.opts.Metrics.PacketReceived("tcp", "failed")
			}
			continue
		}

		s.opts.Metrics.PacketReceived("tcp", "decoded")
		s.lastSeen.Store(time.Now().UnixNano())
		s.handle(m)
	}
}

func (s *Session) handle(m protocol.Message) {
	switch msg := m.(type) {
	case *protocol.DiscoInfo:
		if !s.healthy.Load() {
			s.log.Info("Node is alive")
			s.report(true)
		}

		advertised := int64(msg.Info.KeepAliveMs) - 1000
		if advertised < minKeepAlive.Milliseconds() {
			advertised = minKeepAlive.Milliseconds()
		}
		if advertised < s.keepAliveMs.Load() {
			s.keepAliveMs.Store(advertised)
		}

		if msg.IsQuery() {
			reply := protocol.NewDiscoInfo(s.codec.Header(msg.Source), s.opts.Info, false)
			if err := s.write(reply); err != nil {
				s.log.Debug("Failed to answer discovery query", zap.Error(err))
			}
		}

	case *protocol.MultiParamSet, *protocol.MultiObjectParamSet, *protocol.ParamSetPercent:
		for _, result := range packet.FromMessage(m) {
			if result.Err != nil {
				s.log.Warn("Failed to map parameter update", zap.Error(result.Err))
				continue
			}
			if s.opts.Responses.Push(result.Packet) {
				s.opts.Metrics.Dropped("responses", 1)
			}
		}

	default:
		s.log.Debug("Ignoring message", zap.Stringer("id", m.GetMessageID()))
	}
}
