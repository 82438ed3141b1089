// Package serveit publishes a static directory over HTTP with request logging
// and graceful shutdown.
package serveit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/o-p-n/serveit/internal/events"
	"github.com/o-p-n/serveit/internal/files"
	"github.com/o-p-n/serveit/internal/logging"
)

// logger is the lifecycle logger. Use WithLogger to give a Server its own.
var logger = logging.For("serveit")

// Log targets used by the server.
const (
	TargetAccess = "serveit::access"
	TargetFiles  = "serveit::files"
	TargetMeta   = "serveit::meta"
)

const defaultHost = "0.0.0.0"

var errNotListening = errors.New("server is not listening")

// State is the lifecycle phase of a Server.
type State int32

const (
	Starting State = iota
	Serving
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Serving:
		return "serving"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Server publishes one directory over HTTP and, when a meta port is set,
// health probes, metrics and the access feed on a second listener.
type Server struct {
	settings Settings
	host     string

	log       *slog.Logger
	accessLog *slog.Logger
	metaLog   *slog.Logger
	filesLog  *slog.Logger

	files   *files.Responder
	metrics *Metrics
	events  *events.Hub
	handler http.Handler

	appServer    *http.Server
	metaServer   *http.Server
	appListener  net.Listener
	metaListener net.Listener

	state   atomic.Int32
	isReady atomic.Bool
	isLive  atomic.Bool
	started time.Time
}

// ServerOptionFunc configures a Server in NewServer.
type ServerOptionFunc func(srv *Server)

// WithLogger sends every record of the server, access lines included, to l.
func WithLogger(l *slog.Logger) ServerOptionFunc {
	return func(srv *Server) {
		srv.log = l
		srv.accessLog = l
		srv.metaLog = l
		srv.filesLog = l
	}
}

// WithSink takes the server's loggers from sink, one per target.
func WithSink(sink *logging.Sink) ServerOptionFunc {
	return func(srv *Server) {
		srv.log = sink.Logger("serveit")
		srv.accessLog = sink.Logger(TargetAccess)
		srv.metaLog = sink.Logger(TargetMeta)
		srv.filesLog = sink.Logger(TargetFiles)
	}
}

// WithHost changes the interface both listeners bind to.
func WithHost(host string) ServerOptionFunc {
	return func(srv *Server) {
		srv.host = host
	}
}

// NewServer builds the request pipeline for settings. It fails when the
// root directory cannot be served.
func NewServer(settings Settings, opts ...ServerOptionFunc) (*Server, error) {
	srv := &Server{
		settings:  settings,
		host:      defaultHost,
		log:       logger,
		accessLog: logging.For(TargetAccess),
		metaLog:   logging.For(TargetMeta),
		filesLog:  logging.For(TargetFiles),
	}
	for _, opt := range opts {
		opt(srv)
	}
	if srv.settings.ShutdownTimeout <= 0 {
		srv.settings.ShutdownTimeout = DefaultSettings().ShutdownTimeout
	}
	if srv.settings.RateLimit > 0 && srv.settings.Burst < 1 {
		return nil, errZeroBurst
	}

	responder, err := files.NewOS(settings.RootDir,
		files.WithETagCache(settings.ETagCacheSize),
		files.WithLogger(srv.filesLog))
	if err != nil {
		return nil, err
	}
	srv.files = responder
	srv.metrics = NewMetrics(responder.CachedTags)
	srv.events = events.NewHub(srv.metaLog)

	stack := DefaultMiddleware(srv.settings, srv.log, srv.accessLog, srv.metrics, srv.events.Publish)
	srv.handler = NewPipeline(responder, stack)

	srv.appServer = &http.Server{
		Handler:     srv.handler,
		IdleTimeout: srv.settings.IdleTimeout,
		ErrorLog:    slog.NewLogLogger(srv.log.Handler(), slog.LevelDebug),
	}
	if settings.MetaPort != 0 {
		srv.metaServer = &http.Server{
			Handler:  srv.metaHandler(),
			ErrorLog: slog.NewLogLogger(srv.metaLog.Handler(), slog.LevelDebug),
		}
	}
	return srv, nil
}

// Handler is the request pipeline: the file responder wrapped in the
// middleware stack.
func (srv *Server) Handler() http.Handler {
	return srv.handler
}

// Settings returns the settings the server was built with.
func (srv *Server) Settings() Settings {
	return srv.settings
}

// State reports the current lifecycle phase.
func (srv *Server) State() State {
	return State(srv.state.Load())
}

// Listen binds the app listener and, when enabled, the meta listener.
func (srv *Server) Listen() error {
	if srv.appListener != nil {
		return errors.New("server is already listening")
	}

	addr := net.JoinHostPort(srv.host, strconv.Itoa(int(srv.settings.Port)))
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}

	if srv.metaServer != nil {
		metaAddr := net.JoinHostPort(srv.host, strconv.Itoa(int(srv.settings.MetaPort)))
		metaLn, err := net.Listen("tcp4", metaAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("binding meta %s: %w", metaAddr, err)
		}
		srv.metaListener = metaLn
	}

	srv.appListener = ln
	srv.started = time.Now()
	srv.isLive.Store(true)
	srv.isReady.Store(true)
	srv.state.Store(int32(Serving))
	return nil
}

// Addr is the bound app address, nil before Listen.
func (srv *Server) Addr() net.Addr {
	if srv.appListener == nil {
		return nil
	}
	return srv.appListener.Addr()
}

// MetaAddr is the bound meta address, nil when the meta server is off.
func (srv *Server) MetaAddr() net.Addr {
	if srv.metaListener == nil {
		return nil
	}
	return srv.metaListener.Addr()
}

// Serve accepts connections until ctx is done, then drains within the
// shutdown timeout. Listen must have been called.
func (srv *Server) Serve(ctx context.Context) error {
	if srv.appListener == nil {
		return errNotListening
	}

	port := srv.appListener.Addr().(*net.TCPAddr).Port
	srv.log.Warn(fmt.Sprintf("serving directory %s at http://localhost:%d/", srv.files.Root(), port),
		"bind", srv.appListener.Addr().String())
	if srv.metaListener != nil {
		srv.metaLog.Info("meta server listening", "bind", srv.metaListener.Addr().String())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveLoop(srv.appServer, srv.appListener)
	})
	if srv.metaServer != nil {
		g.Go(func() error {
			return serveLoop(srv.metaServer, srv.metaListener)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		srv.drain()
		return nil
	})

	err := g.Wait()
	srv.isLive.Store(false)
	srv.state.Store(int32(Stopped))
	srv.log.Warn("stopped")
	return err
}

// Run listens, then serves until SIGINT or SIGTERM or until ctx is done.
func (srv *Server) Run(ctx context.Context) error {
	if err := srv.Listen(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Serve(ctx)
}

func serveLoop(hs *http.Server, ln net.Listener) error {
	if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// drain stops accepting connections and waits for in-flight requests.
// Connections still open after the shutdown timeout are closed.
func (srv *Server) drain() {
	srv.log.Warn("stopping")
	srv.isReady.Store(false)
	srv.state.Store(int32(Draining))

	ctx, cancel := context.WithTimeout(context.Background(), srv.settings.ShutdownTimeout)
	defer cancel()

	if err := srv.appServer.Shutdown(ctx); err != nil {
		srv.log.Warn("drain timed out, closing remaining connections", "error", err)
		srv.appServer.Close()
	}
	srv.events.Close()
	if srv.metaServer != nil {
		if err := srv.metaServer.Shutdown(ctx); err != nil {
			srv.metaServer.Close()
		}
	}
}
