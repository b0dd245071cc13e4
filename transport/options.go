package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/luma/hiqbridge/health"
	"github.com/luma/hiqbridge/packet"
	"github.com/luma/hiqbridge/protocol"
	"github.com/luma/hiqbridge/queue"
)

const (
	DefaultPort = 3804

	DefaultRestartDelay     = 5 * time.Second
	DefaultProbeInterval    = 5 * time.Second
	DefaultMaxProbeMisses   = 6
	DefaultAnnounceInterval = 5 * time.Second
	DefaultStatsInterval    = 5 * time.Second
	DefaultDecodeQueueSize  = 1000

	// DefaultMinIdleTimeout is the shortest idle timeout of a discovery connection
	DefaultMinIdleTimeout = 32 * time.Second
)

// Router returns the response queue of a configured node, or nil
type Router interface {
	Responses(node uint16) *queue.Bounded[*packet.Packet]
}

// Options configures the passive TCP discovery server
type Options struct {
	// Host to listen on
	Host string

	// Port to listen on
	Port int

	// Local is this server's address
	Local protocol.Address

	// Info is the discovery information we answer with
	Info protocol.DiscoveryInformation

	// Name and Version are reported as attributes
	Name    string
	Version string

	// MinIdleTimeout closes connections that stay silent for longer than
	// max(2 x keepalive, MinIdleTimeout)
	MinIdleTimeout time.Duration

	Health  health.Reporter
	Metrics *health.Metrics

	Log *zap.Logger
}

// UDPOptions configures the shared UDP listener
type UDPOptions struct {
	// Host to bind, empty for all interfaces
	Host string

	// Port to bind, also the port replies and announcements are sent to
	Port int

	// SelfAddr receives self test probes, normally our own ip and Port.
	// Empty disables probing.
	SelfAddr string

	// BroadcastAddr receives discovery announcements
	BroadcastAddr string

	Local protocol.Address
	Info  protocol.DiscoveryInformation

	// AnnounceCount is the number of announcements sent at start,
	// AnnounceForever keeps announcing
	AnnounceCount   int
	AnnounceForever bool

	// Router delivers updates from configured nodes, everything else goes to
	// Fallback
	Router   Router
	Fallback *queue.Bounded[*packet.Packet]

	DecodeQueueSize int

	RestartDelay     time.Duration
	ProbeInterval    time.Duration
	MaxProbeMisses   int
	AnnounceInterval time.Duration
	StatsInterval    time.Duration

	Health  health.Reporter
	Stats   *health.Stats
	Metrics *health.Metrics

	Log *zap.Logger
}

func (o *UDPOptions) setDefaults() {
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.DecodeQueueSize <= 0 {
		o.DecodeQueueSize = DefaultDecodeQueueSize
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = DefaultRestartDelay
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = DefaultProbeInterval
	}
	if o.MaxProbeMisses <= 0 {
		o.MaxProbeMisses = DefaultMaxProbeMisses
	}
	if o.AnnounceInterval <= 0 {
		o.AnnounceInterval = DefaultAnnounceInterval
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = DefaultStatsInterval
	}
	if o.Health == nil {
		o.Health = health.ReporterFunc(func(string, bool) {})
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
}
