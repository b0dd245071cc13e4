package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/hiqbridge/packet"
	"github.com/luma/hiqbridge/protocol"
	"github.com/luma/hiqbridge/queue"
)

// UDPHealthID is the id the listener reports its health under
const UDPHealthID = "UDP"

const maxDatagramSize = 65535

var errListenerDead = errors.New("UDP listener stopped receiving its own probes")

type datagram struct {
	data []byte
	from *net.UDPAddr
}

type udpCounters struct {
	received atomic.Uint64
	decoded  atomic.Uint64
	failed   atomic.Uint64
	filtered atomic.Uint64
	dropped  atomic.Uint64
	decodeNs atomic.Int64
	batches  atomic.Uint64
}

// probe tracks the self test token currently in flight
type probe struct {
	mu     sync.Mutex
	token  []byte
	sentAt time.Time
	misses int
	rtt    time.Duration
}

// UDP is the shared best effort listener. It receives broadcast parameter
// updates, answers discovery and checks that it can still hear itself.
type UDP struct {
	opts  UDPOptions
	codec *protocol.Codec
	seqs  *SequenceCache
	log   *zap.Logger

	counters udpCounters
	probe    probe

	// device addresses learned from discovery
	devicesMu sync.RWMutex
	devices   map[uint16]net.IP

	connMu sync.Mutex
	conn   *net.UDPConn
	seq    uint16
}

func NewUDP(options UDPOptions) *UDP {
	options.setDefaults()

	if options.BroadcastAddr == "" {
		options.BroadcastAddr = net.JoinHostPort(net.IPv4bcast.String(), strconv.Itoa(options.Port))
	}

	return &UDP{
		opts:    options,
		codec:   protocol.NewCodec(options.Local),
		seqs:    NewSequenceCache(),
		log:     options.Log.Named("udp"),
		devices: make(map[uint16]net.IP),
	}
}

// Run listens until ctx is done, restarting the listener after failures
func (u *UDP) Run(ctx context.Context) error {
	u.opts.Health.Report(UDPHealthID, false)

	for {
		err := u.listen(ctx)
		u.opts.Health.Report(UDPHealthID, false)

		if ctx.Err() != nil {
			u.log.Info("UDP listener stopped")
			return nil
		}

		u.log.Warn("UDP listener stopped, restarting",
			zap.Error(err),
			zap.Duration("restart_in", u.opts.RestartDelay))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(u.opts.RestartDelay):
		}
	}
}

// DeviceIP returns the address a device announced itself with
func (u *UDP) DeviceIP(device uint16) (net.IP, bool) {
	u.devicesMu.RLock()
	defer u.devicesMu.RUnlock()

	ip, ok := u.devices[device]
	return ip, ok
}

func (u *UDP) addr() string {
	return net.JoinHostPort(u.opts.Host, strconv.Itoa(u.opts.Port))
}

func (u *UDP) listen(parentCtx context.Context) error {
	lc := net.ListenConfig{Control: sharedSocket}

	pc, err := lc.ListenPacket(parentCtx, "udp4", u.addr())
	if err != nil {
		return err
	}
	conn := pc.(*net.UDPConn)

	u.log.Info("UDP listener started", zap.String("addr", conn.LocalAddr().String()))

	u.connMu.Lock()
	u.conn = conn
	u.connMu.Unlock()

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	u.resetProbe()
	if u.opts.SelfAddr == "" {
		u.opts.Health.Report(UDPHealthID, true)
	}

	datagrams := queue.New[datagram](u.opts.DecodeQueueSize)

	var (
		wg      sync.WaitGroup
		errMu   sync.Mutex
		errs    error
		workers = []func(context.Context, *queue.Bounded[datagram]) error{
			func(ctx context.Context, q *queue.Bounded[datagram]) error { return u.read(ctx, conn, q) },
			u.decode,
			func(ctx context.Context, _ *queue.Bounded[datagram]) error { return u.runProbe(ctx) },
			func(ctx context.Context, _ *queue.Bounded[datagram]) error { return u.announce(ctx) },
			func(ctx context.Context, _ *queue.Bounded[datagram]) error { return u.runStats(ctx) },
		}
	)

	for _, worker := range workers {
		wg.Add(1)
		go func(worker func(context.Context, *queue.Bounded[datagram]) error) {
			defer wg.Done()

			if err := worker(ctx, datagrams); err != nil {
				errMu.Lock()
				errs = multierr.Append(errs, err)
				errMu.Unlock()
			}
			// any worker stopping takes the listener down with it
			cancel()
		}(worker)
	}

	<-ctx.Done()
	conn.Close()
	datagrams.Close()
	wg.Wait()

	u.connMu.Lock()
	u.conn = nil
	u.connMu.Unlock()

	if parentCtx.Err() != nil {
		return nil
	}
	return errs
}

func (u *UDP) read(ctx context.Context, conn *net.UDPConn, datagrams *queue.Bounded[datagram]) error {
	buf := make([]byte, maxDatagramSize)

	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if u.probeReply(buf[:n]) {
			continue
		}

		u.counters.received.Add(1)

		data := make([]byte, n)
		copy(data, buf[:n])

		if datagrams.Push(datagram{data: data, from: from}) {
			u.counters.dropped.Add(1)
			u.opts.Metrics.Dropped("udp_decode", 1)
		}
	}
}

func (u *UDP) decode(ctx context.Context, datagrams *queue.Bounded[datagram]) error {
	for {
		d, err := datagrams.Pop(ctx)
		if err != nil {
			return nil
		}

		start := time.Now()

		for _, result := range u.codec.DecodeAll(d.data) {
			if result.Err != nil {
				if errors.Is(result.Err, protocol.ErrIncorrectDestination) {
					u.counters.filtered.Add(1)
					u.opts.Metrics.PacketReceived("udp", "filtered")
					u.log.Debug("Ignoring datagram", zap.Error(result.Err))
				} else {
					u.counters.failed.Add(1)
					u.opts.Metrics.PacketReceived("udp", "failed")
					u.log.Warn("Failed to decode datagram",
						zap.Stringer("from", d.from),
						zap.Error(result.Err))
				}
				continue
			}

			u.counters.decoded.Add(1)
			u.opts.Metrics.PacketReceived("udp", "decoded")
			u.handle(result.Message, d.from, start)
		}

		elapsed := time.Since(start)
		u.counters.decodeNs.Add(elapsed.Nanoseconds())
		u.counters.batches.Add(1)
		u.opts.Metrics.Decoded(elapsed)
	}
}

func (u *UDP) handle(m protocol.Message, from *net.UDPAddr, now time.Time) {
	h := m.GetHeader()

	// our own announcements come back on the broadcast address
	if h.Source.Device == u.opts.Local.Device {
		return
	}

	switch msg := m.(type) {
	case *protocol.DiscoInfo:
		ip := u.learn(msg, from)
		if msg.IsQuery() {
			reply := protocol.NewDiscoInfo(u.codec.Header(msg.Source), u.opts.Info, false)
			u.reply(reply, ip)
		}

	case *protocol.GetNetworkInfo:
		if msg.IsQuery() {
			u.reply(u.networkInfo(msg.Source), u.replyIP(msg.Source.Device, from))
		}

	case *protocol.MultiParamSet, *protocol.MultiObjectParamSet, *protocol.ParamSetPercent:
		for _, result := range packet.FromMessage(m) {
			if result.Err != nil {
				u.log.Warn("Failed to map parameter update", zap.Error(result.Err))
				continue
			}
			u.dispatch(result.Packet, h.Sequence, now)
		}

	default:
		u.log.Debug("Ignoring message", zap.Stringer("id", m.GetMessageID()), zap.Stringer("from", h.Source))
	}
}

func (u *UDP) dispatch(p *packet.Packet, seq uint16, now time.Time) {
	if !u.seqs.Accept(KeyOf(p), seq, now) {
		u.log.Debug("Out of order update", zap.Stringer("packet", p), zap.Uint16("sequence", seq))
		return
	}

	responses := u.opts.Fallback
	if u.opts.Router != nil {
		if q := u.opts.Router.Responses(p.Node); q != nil {
			responses = q
		}
	}
	if responses == nil {
		return
	}

	if responses.Push(p) {
		u.counters.dropped.Add(1)
		u.opts.Metrics.Dropped("responses", 1)
	}
}

func (u *UDP) learn(msg *protocol.DiscoInfo, from *net.UDPAddr) net.IP {
	ip := msg.Info.NetworkInfo.IP
	if ip == nil || ip.IsUnspecified() {
		ip = from.IP
	}

	u.devicesMu.Lock()
	prev, known := u.devices[msg.Info.Device]
	u.devices[msg.Info.Device] = ip
	u.devicesMu.Unlock()

	if !known || !prev.Equal(ip) {
		u.log.Info("Discovered device",
			zap.String("device", "0x"+strconv.FormatUint(uint64(msg.Info.Device), 16)),
			zap.Stringer("ip", ip))
	}

	return ip
}

func (u *UDP) replyIP(device uint16, from *net.UDPAddr) net.IP {
	if ip, ok := u.DeviceIP(device); ok {
		return ip
	}
	return from.IP
}

func (u *UDP) networkInfo(dest protocol.Address) protocol.Message {
	intf := protocol.NetworkInterface{
		MaxMTU:      protocol.DefaultMTU,
		NetworkID:   u.opts.Info.NetworkID,
		NetworkInfo: u.opts.Info.NetworkInfo,
	}
	return protocol.NewGetNetworkInfo(u.codec.Header(dest), u.opts.Info.Serial, []protocol.NetworkInterface{intf}, false)
}

func (u *UDP) reply(m protocol.Message, ip net.IP) {
	to := &net.UDPAddr{IP: ip, Port: u.opts.Port}
	if err := u.send(m, to); err != nil {
		u.log.Warn("Failed to reply", zap.Stringer("to", to), zap.Stringer("id", m.GetMessageID()), zap.Error(err))
	}
}

func (u *UDP) send(m protocol.Message, to *net.UDPAddr) error {
	u.connMu.Lock()
	defer u.connMu.Unlock()

	if u.conn == nil {
		return net.ErrClosed
	}

	frame, err := protocol.EncodeWithSequence(m, u.seq)
	if err != nil {
		return err
	}
	u.seq = protocol.NextSequence(u.seq)

	_, err = u.conn.WriteToUDP(frame, to)
	return err
}

func (u *UDP) writeRaw(data []byte, to *net.UDPAddr) error {
	u.connMu.Lock()
	defer u.connMu.Unlock()

	if u.conn == nil {
		return net.ErrClosed
	}

	_, err := u.conn.WriteToUDP(data, to)
	return err
}

func (u *UDP) announce(ctx context.Context) error {
	to, err := net.ResolveUDPAddr("udp4", u.opts.BroadcastAddr)
	if err != nil {
		u.log.Warn("Invalid broadcast address, not announcing", zap.String("addr", u.opts.BroadcastAddr), zap.Error(err))
		return nil
	}

	disco := protocol.NewDiscoInfo(u.codec.Header(protocol.BroadcastAddress), u.opts.Info, false)

	for sent := 0; u.opts.AnnounceForever || sent < u.opts.AnnounceCount; sent++ {
		if err := u.send(disco, to); err != nil {
			u.log.Warn("Failed to announce", zap.Stringer("to", to), zap.Error(err))
		} else {
			u.log.Debug("Announced", zap.Stringer("to", to))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(u.opts.AnnounceInterval):
		}
	}

	<-ctx.Done()
	return nil
}

func (u *UDP) resetProbe() {
	u.probe.mu.Lock()
	defer u.probe.mu.Unlock()

	u.probe.token = nil
	u.probe.misses = 0
}

// probeReply returns true if data is the token currently in flight
func (u *UDP) probeReply(data []byte) bool {
	u.probe.mu.Lock()
	defer u.probe.mu.Unlock()

	if u.probe.token == nil || !bytes.Equal(data, u.probe.token) {
		return false
	}

	u.probe.token = nil
	u.probe.misses = 0
	u.probe.rtt = time.Since(u.probe.sentAt)

	u.opts.Metrics.SetProbeRTT(u.probe.rtt)
	u.opts.Health.Report(UDPHealthID, true)
	return true
}

// runProbe sends a fresh token to ourselves every interval. A token still
// in flight at the next tick is a miss.
func (u *UDP) runProbe(ctx context.Context) error {
	if u.opts.SelfAddr == "" {
		<-ctx.Done()
		return nil
	}

	to, err := net.ResolveUDPAddr("udp4", u.opts.SelfAddr)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(u.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		if err := u.sendProbe(to); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (u *UDP) sendProbe(to *net.UDPAddr) error {
	u.probe.mu.Lock()

	if u.probe.token != nil {
		u.probe.misses++
		misses := u.probe.misses
		u.probe.mu.Unlock()

		u.log.Warn("UDP self test probe was not received", zap.Int("misses", misses))
		u.opts.Health.Report(UDPHealthID, false)

		if misses >= u.opts.MaxProbeMisses {
			return errListenerDead
		}

		u.probe.mu.Lock()
	}

	token := []byte(uuid.New().String())
	u.probe.token = token
	u.probe.sentAt = time.Now()
	u.probe.mu.Unlock()

	if err := u.writeRaw(token, to); err != nil {
		u.log.Warn("Failed to send UDP self test probe", zap.Stringer("to", to), zap.Error(err))
	}
	return nil
}

func (u *UDP) runStats(ctx context.Context) error {
	ticker := time.NewTicker(u.opts.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			u.publishStats(now)
		}
	}
}

func (u *UDP) publishStats(now time.Time) {
	received := u.counters.received.Swap(0)
	decoded := u.counters.decoded.Swap(0)
	failed := u.counters.failed.Swap(0)
	filtered := u.counters.filtered.Swap(0)
	dropped := u.counters.dropped.Swap(0)
	decodeNs := u.counters.decodeNs.Swap(0)
	batches := u.counters.batches.Swap(0)

	var mean time.Duration
	if batches > 0 {
		mean = time.Duration(decodeNs / int64(batches))
	}
	busy := float64(decodeNs) / float64(u.opts.StatsInterval.Nanoseconds()) * 100

	u.probe.mu.Lock()
	rtt := u.probe.rtt
	u.probe.mu.Unlock()

	pruned := u.seqs.Prune(now)

	u.log.Info("UDP stats",
		zap.Uint64("received", received),
		zap.Uint64("decoded", decoded),
		zap.Uint64("failed", failed),
		zap.Uint64("filtered", filtered),
		zap.Uint64("dropped", dropped),
		zap.Duration("mean_decode", mean),
		zap.Float64("decode_percent", busy),
		zap.Duration("probe_rtt", rtt),
		zap.Int("sequences_pruned", pruned),
	)

	u.opts.Stats.Set(UDPHealthID, map[string]interface{}{
		"received":       received,
		"decoded":        decoded,
		"failed":         failed,
		"filtered":       filtered,
		"dropped":        dropped,
		"mean_decode_us": mean.Microseconds(),
		"decode_percent": busy,
		"probe_rtt_ms":   float64(rtt.Microseconds()) / 1000,
	})
}
