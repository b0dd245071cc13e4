// Package server is the WebSocket facade of the bridge. Web clients
// authenticate with a signed token, then subscribe to and set parameters as
// JSON packets, admins can also use a handful of control commands.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/hiqbridge/bridge"
	"github.com/luma/hiqbridge/health"
)

const (
	DefaultPort = 8765

	pruneInterval = time.Minute
)

// Reconnector is a node session that can be told to reconnect
type Reconnector interface {
	Reconnect()
}

// HealthSource is the aggregated health of the bridge
type HealthSource interface {
	Healthy() bool
	Snapshot() map[string]bool
}

type Options struct {
	Host string
	Port int

	State *bridge.State
	Auth  *Authenticator

	Health   HealthSource
	Stats    *health.Stats
	Metrics  *health.Metrics
	Sessions []Reconnector

	// SubscriptionRate replaces the value of every subscription
	SubscriptionRate time.Duration

	Version      string
	SupportName  string
	SupportEmail string

	// ProxyIPHeader and ProxyPortHeader name the headers a reverse proxy
	// passes the client's address in. Empty uses the remote address.
	ProxyIPHeader   string
	ProxyPortHeader string

	// Level is switched by the debug commands
	Level zap.AtomicLevel

	// Restart is called when an admin asks for a restart. The supervisor is
	// expected to start the process again.
	Restart func()

	SendQueueSize int
	DebugHTTP     bool

	Log *zap.Logger
}

type Server struct {
	opts     Options
	router   *gin.Engine
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener

	// conns counts the WebSocket connections still being served
	conns sync.WaitGroup

	log *zap.Logger
}

func New(options Options) *Server {
	if options.Port == 0 {
		options.Port = DefaultPort
	}
	if options.Log == nil {
		options.Log = zap.NewNop()
	}
	if options.Restart == nil {
		options.Restart = func() {}
	}
	if options.Stats == nil {
		options.Stats = health.NewStats()
	}
	if options.Level == (zap.AtomicLevel{}) {
		options.Level = zap.NewAtomicLevel()
	}

	s := &Server{
		opts: options,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,

			// clients are authenticated by their token, not their origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: options.Log.Named("server"),
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.router = s.setupRouter()

	return s
}

func (s *Server) setupRouter() *gin.Engine {
	gin.DisableConsoleColor()
	if !s.opts.DebugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Logs all requests, like a combined access and error log.
	r.Use(ginzap.GinzapWithConfig(s.log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/health", "/ping"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(s.log, true))

	// Ping test
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	r.GET("/health", s.serveHealth)
	r.GET("/metrics", gin.WrapH(s.metricsHandler()))
	r.GET("/ws", s.serveWS)

	// clients that connect to the root path
	r.GET("/", s.serveWS)

	return r
}

func (s *Server) metricsHandler() http.Handler {
	if s.opts.Metrics == nil {
		return http.NotFoundHandler()
	}
	return s.opts.Metrics.Handler()
}

func (s *Server) serveHealth(c *gin.Context) {
	if s.opts.Health == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"healthy": false})
		return
	}

	healthy := s.opts.Health.Healthy()

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"healthy":    healthy,
		"components": s.opts.Health.Snapshot(),
	})
}

// Handler is the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens and serves in the background until Shutdown
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))

	listener, err := reuseport.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.http = srv
	s.listener = listener
	s.mu.Unlock()

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Http server errored", zap.Error(err))
		}
	}()

	go s.pruneTokens(ctx)

	s.log.Info("Listening", zap.String("addr", listener.Addr().String()))
	return nil
}

func (s *Server) pruneTokens(ctx context.Context) {
	if s.opts.Auth == nil {
		return
	}

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.opts.Auth.Prune()
		}
	}
}

// Addr is the address the server listens on, nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting requests, waits for running ones until ctx is
// done and closes every WebSocket connection.
func (s *Server) Shutdown(ctx context.Context) (err error) {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()

	if srv != nil {
		srv.SetKeepAlivesEnabled(false)
		err = multierr.Append(err, srv.Shutdown(ctx))
	}

	// hijacked connections are not tracked by the http server
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}

	return err
}

// clientAddress is the remote address of r, taken from the proxy headers
// when they are configured and present
func (s *Server) clientAddress(r *http.Request) string {
	host, port, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	if h := s.opts.ProxyIPHeader; h != "" {
		if v := r.Header.Get(h); v != "" {
			host, port = v, ""
		}
	}
	if h := s.opts.ProxyPortHeader; h != "" {
		if v := r.Header.Get(h); v != "" {
			port = v
		}
	}

	if port == "" {
		return host
	}
	return net.JoinHostPort(host, port)
}
