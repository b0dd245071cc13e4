package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/hiqbridge/bridge"
	"github.com/luma/hiqbridge/client"
	"github.com/luma/hiqbridge/health"
	"github.com/luma/hiqbridge/internal/env"
	"github.com/luma/hiqbridge/internal/meta"
	"github.com/luma/hiqbridge/protocol"
	"github.com/luma/hiqbridge/server"
	"github.com/luma/hiqbridge/transport"
)

const (
	shutdownGrace    = 5 * time.Second
	selfTestAttempts = 10
)

var (
	// The host to listen for websocket clients on
	host string

	// The port to listen for websocket clients on
	port int

	skipSelfTest bool
)

func init() {
	flags := StartCmd.PersistentFlags()

	flags.IntVarP(&port, "port", "p", server.DefaultPort, "The port to listen for WebSocket clients on, overrides HIQNET_WEBSOCKET_PORT")
	flags.StringVarP(&host, "host", "a", "0.0.0.0", "The host to listen on, overrides HIQNET_HTTP_HOST")
	flags.BoolVar(&skipSelfTest, "skip-self-test", false, "Start even if our own UDP packets are not received")
}

var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start up the HiQnet bridge",
	Long: `Start up the HiQnet bridge

Configuration is read from the environment and .env.local, see the
HIQNET_* variables.

Usage
	hiqbridge start

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		level := env.LevelFor(false)
		log, err := env.MakeLogger(level)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		if fileLimit, err := setFileLimit(); err != nil {
			log.Warn("Failed to raise the file limit", zap.Error(err))
		} else {
			log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))
		}

		conf, err := env.LoadConfig(ctx, log)
		if err != nil {
			return err
		}

		if conf.Debug {
			level.SetLevel(zap.DebugLevel)
		}
		if cmd.Flags().Changed("host") {
			conf.HTTPHost = host
		}
		if cmd.Flags().Changed("port") {
			conf.WebsocketPort = port
		}

		return run(ctx, signalStop, conf, level, log)
	},
}

func run(parentCtx context.Context, signalStop func(), conf *env.Config, level zap.AtomicLevel, log *zap.Logger) (err error) {
	// an admin restart stops the process, the supervisor starts it again
	ctx, restart := context.WithCancel(parentCtx)
	defer restart()

	metrics := health.NewMetrics()
	stats := health.NewStats()
	nodes := conf.Nodes()

	ids := []string{transport.UDPHealthID}
	if conf.TCPServer {
		ids = append(ids, transport.TCPHealthID)
	}
	for _, node := range nodes {
		ids = append(ids, node.Key)
	}
	aggregator := health.NewAggregator(conf.StatusFile, ids, log, metrics)

	local := protocol.Address{Device: conf.NodeAddress()}
	info := protocol.NewDiscoveryInformation(local.Device, protocol.NetworkInfo{
		MAC:     conf.ServerMAC(),
		IP:      conf.ServerIP(),
		Subnet:  net.ParseIP(conf.ServerSubnetMask).To4(),
		Gateway: net.ParseIP(conf.ServerGateway).To4(),
	})

	if _, err := protocol.Encode(protocol.NewDiscoInfo(protocol.NewHeader(local, local), info, false)); err != nil {
		return fmt.Errorf("server network settings: %w", err)
	}

	hiqnetPort := strconv.Itoa(conf.HiQnetPort)
	selfAddr := net.JoinHostPort(conf.ServerIPAddress, hiqnetPort)

	if !skipSelfTest {
		if err := transport.SelfTest(ctx, net.JoinHostPort("", hiqnetPort), selfAddr, selfTestAttempts); err != nil {
			return err
		}
		log.Info("UDP self test passed", zap.String("addr", selfAddr))
	}

	state := bridge.NewState(bridge.StateOptions{
		Nodes:              nodes,
		QueueSize:          conf.QueueSize,
		UnsubscribeDelay:   conf.UnsubscribeDelay(),
		ResubscribeHoldoff: bridge.DefaultResubscribeHoldoff,
		Metrics:            metrics,
		Log:                log,
	})
	defer state.Close()

	w := &workers{log: log}
	w.Go(ctx, "health", aggregator.Run)
	w.Go(ctx, "sweeper", state.Registry.RunSweeper)

	for _, q := range state.ResponseQueues() {
		broadcaster := bridge.NewBroadcaster(q.Name, q.Queue, state, metrics, log)
		w.Go(ctx, "broadcaster "+q.Name, broadcaster.Run)
	}

	sessions := make([]server.Reconnector, 0, len(nodes))
	for _, node := range nodes {
		session := client.NewSession(client.Options{
			Node:          node.ID,
			Addr:          net.JoinHostPort(node.IP.String(), hiqnetPort),
			Name:          node.Key,
			Local:         local,
			Info:          info,
			Outbound:      state.Outbound(node.ID),
			Responses:     state.Responses(node.ID),
			Subscriptions: state.Registry,
			Health:        aggregator,
			Metrics:       metrics,
			Log:           log.With(zap.String("node", node.Alias)),
		})
		sessions = append(sessions, session)
		w.Go(ctx, "session "+node.Key, session.Run)
	}

	udp := transport.NewUDP(transport.UDPOptions{
		Port:            conf.HiQnetPort,
		SelfAddr:        selfAddr,
		Local:           local,
		Info:            info,
		AnnounceCount:   conf.DiscoAnnounceCount,
		AnnounceForever: conf.DiscoAnnounceForever,
		Router:          state,
		Fallback:        state.UDPResponses(),
		Health:          aggregator,
		Stats:           stats,
		Metrics:         metrics,
		Log:             log,
	})
	w.Go(ctx, "udp", udp.Run)

	var tcp *transport.TCPServer
	if conf.TCPServer {
		tcp = transport.NewTCPServer(transport.Options{
			Port:    conf.HiQnetPort,
			Local:   local,
			Info:    info,
			Name:    "hiqbridge",
			Version: meta.ReleaseVersion(),
			Health:  aggregator,
			Metrics: metrics,
			Log:     log,
		})
		if err := tcp.Start(ctx); err != nil {
			restart()
			return multierr.Append(err, w.Wait(shutdownGrace))
		}
	}

	web := server.New(server.Options{
		Host:             conf.HTTPHost,
		Port:             conf.WebsocketPort,
		State:            state,
		Auth:             server.NewAuthenticator(server.AuthOptions{Secret: conf.AuthTokenSecret}),
		Health:           aggregator,
		Stats:            stats,
		Metrics:          metrics,
		Sessions:         sessions,
		SubscriptionRate: conf.SubscriptionRate(),
		Version:          meta.ReleaseVersion(),
		SupportName:      conf.SupportName,
		SupportEmail:     conf.SupportEmail,
		ProxyIPHeader:    conf.ProxyIPHeader,
		ProxyPortHeader:  conf.ProxyPortHeader,
		Level:            level,
		Restart:          restart,
		SendQueueSize:    conf.QueueSize,
		DebugHTTP:        conf.DebugHTTP,
		Log:              log,
	})
	if err := web.Start(ctx); err != nil {
		restart()
		if tcp != nil {
			err = multierr.Append(err, tcp.Close())
		}
		return multierr.Append(err, w.Wait(shutdownGrace))
	}

	build := meta.GetInfo()
	log.Info("Listening",
		zap.String("version", build.Version),
		zap.String("build", build.Build),
		zap.String("platform", build.Platform),
		zap.Strings("nodes", nodeNames(nodes)),
		zap.String("http", conf.HTTPAddr()),
		zap.Int("hiqnetPort", conf.HiQnetPort),
		zap.Stringer("local", local))

	// Listen for the interrupt signal or a restart.
	<-ctx.Done()

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	signalStop()
	log.Info("Shutting down gracefully, press Ctrl+C again to force")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := web.Shutdown(shutdownCtx); err != nil {
		log.Error("Http server forced to shutdown", zap.Error(err))
	}

	if tcp != nil {
		if err := tcp.Close(); err != nil {
			log.Error("TCP server forced to shutdown", zap.Error(err))
		}
	}

	// sessions say goodbye to their nodes before returning
	err = w.Wait(shutdownGrace)

	log.Info("Exiting")
	return err
}

func nodeNames(nodes []env.Node) []string {
	out := make([]string, len(nodes))
	for i, node := range nodes {
		out[i] = node.String()
	}
	return out
}

// workers runs the long lived goroutines of the bridge and collects their
// errors
type workers struct {
	wg  sync.WaitGroup
	log *zap.Logger

	mu  sync.Mutex
	err error
}

func (w *workers) Go(ctx context.Context, name string, run func(context.Context) error) {
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()

		err := run(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}

		w.log.Error("Worker stopped", zap.String("worker", name), zap.Error(err))

		w.mu.Lock()
		w.err = multierr.Append(w.err, fmt.Errorf("%s: %w", name, err))
		w.mu.Unlock()
	}()
}

// Wait waits at most timeout for every worker to return
func (w *workers) Wait(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		w.log.Warn("Workers did not stop in time", zap.Duration("timeout", timeout))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
