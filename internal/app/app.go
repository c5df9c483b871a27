// Package app wires pttlink's components into a running process.
//
// An App runs in one of two roles. The device role drives the shared audio
// peripheral through the relay state machine over the configured transport.
// The relay role serves device sessions over WebSocket (and optionally
// MQTT) and answers each utterance through a responder chain.
//
// For testing, inject doubles via functional options (WithBus, WithButton,
// WithRegistry, etc.). When an option is not provided, New builds the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pttlink/internal/config"
	"github.com/MrWong99/pttlink/internal/health"
	"github.com/MrWong99/pttlink/internal/observe"
	"github.com/MrWong99/pttlink/internal/relay"
	"github.com/MrWong99/pttlink/internal/transport/ble"
	"github.com/MrWong99/pttlink/internal/transport/mqtt"
	"github.com/MrWong99/pttlink/pkg/audio/peripheral"
)

// Role selects what the process does.
type Role string

const (
	RoleDevice Role = "device"
	RoleRelay  Role = "relay"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool { return r == RoleDevice || r == RoleRelay }

// App owns every component's lifetime for one role.
type App struct {
	cfg  *config.Config
	role Role

	log     *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics

	// Injected or defaulted in New.
	registry       *config.Registry
	bus            peripheral.Bus
	button         relay.Button
	bleStack       ble.Stack
	mqttFactory    mqtt.ClientFactory
	input          io.Reader
	metricsHandler http.Handler
	configPath     string
	watchInterval  time.Duration

	// runners are started by Run, one goroutine each.
	runners []func(ctx context.Context) error

	// servers are shut down gracefully before the closers run. Their
	// request contexts derive from base, so cancelling it ends hijacked
	// device sessions too.
	servers    []*http.Server
	listeners  []net.Listener
	base       context.Context
	cancelBase context.CancelFunc

	// ready backs /readyz.
	ready []health.Checker

	relayAddr   net.Addr
	metricsAddr net.Addr

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets live config reloads adjust the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics on the metrics listener.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithRegistry replaces the default transport and responder registry.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithBus injects the peripheral bus instead of a file-backed one.
func WithBus(b peripheral.Bus) Option {
	return func(a *App) { a.bus = b }
}

// WithButton injects the push-to-talk input, overriding device.ptt.
func WithButton(b relay.Button) Option {
	return func(a *App) { a.button = b }
}

// WithBLEStack enables the "ble" transport on top of s.
func WithBLEStack(s ble.Stack) Option {
	return func(a *App) { a.bleStack = s }
}

// WithMQTTClientFactory replaces the paho client used by the mqtt transport
// and the relay's MQTT bridge.
func WithMQTTClientFactory(f mqtt.ClientFactory) Option {
	return func(a *App) { a.mqttFactory = f }
}

// WithInput sets the keyboard source for device.ptt "keyboard".
// Default: os.Stdin.
func WithInput(r io.Reader) Option {
	return func(a *App) { a.input = r }
}

// WithConfigPath watches path and applies log level changes live.
// A zero interval uses the watcher default.
func WithConfigPath(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// New builds every component for role. Listeners are bound here so
// address errors surface before Run.
func New(ctx context.Context, cfg *config.Config, role Role, opts ...Option) (*App, error) {
	if !role.IsValid() {
		return nil, fmt.Errorf("app: unknown role %q", role)
	}
	a := &App{cfg: cfg, role: role}
	a.base, a.cancelBase = context.WithCancel(context.Background())
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	a.log = a.log.With("role", string(role))
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.registry == nil {
		a.registry = DefaultRegistry(a.metrics, a.log, a.bleStack, a.mqttFactory)
	}

	var err error
	switch role {
	case RoleDevice:
		err = a.initDevice(ctx)
	case RoleRelay:
		err = a.initRelay(ctx)
	}
	if err == nil {
		err = a.initMetricsServer()
	}
	if err == nil {
		err = a.initWatcher()
	}
	if err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

// ─── Ambient ─────────────────────────────────────────────────────────────────

func (a *App) initMetricsServer() error {
	if a.cfg.Server.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	health.New(a.ready...).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("/metrics", a.metricsHandler)
	}
	ln, err := net.Listen("tcp", a.cfg.Server.MetricsAddr)
	if err != nil {
		return fmt.Errorf("app: listen metrics: %w", err)
	}
	a.metricsAddr = ln.Addr()
	a.serve("metrics", ln, &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}, nil)
	return nil
}

func (a *App) initWatcher() error {
	if a.configPath == "" {
		return nil
	}
	var wopts []config.WatcherOption
	if a.watchInterval > 0 {
		wopts = append(wopts, config.WithInterval(a.watchInterval))
	}
	wopts = append(wopts, config.WithWatcherLogger(a.log))
	w, err := config.NewWatcher(a.configPath, a.onConfigChange, wopts...)
	if err != nil {
		return fmt.Errorf("app: watch config: %w", err)
	}
	a.runners = append(a.runners, w.Run)
	return nil
}

func (a *App) onConfigChange(old, cur *config.Config) {
	d := config.Diff(old, cur)
	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(d.NewLogLevel.Level())
		}
		a.log.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if len(d.Restart) > 0 {
		a.log.Warn("config changed; restart to apply", "sections", d.Restart)
	}
}

// serve runs hs on ln until Shutdown. tls is nil for plain HTTP. The
// server reports ready under name while it is accepting.
func (a *App) serve(name string, ln net.Listener, hs *http.Server, tls *config.TLSConfig) {
	a.listeners = append(a.listeners, ln)
	listening := new(health.Flag)
	a.ready = append(a.ready, listening.Checker(name))
	hs.BaseContext = func(net.Listener) context.Context { return a.base }
	a.servers = append(a.servers, hs)
	a.runners = append(a.runners, func(context.Context) error {
		a.log.Info("listening", "server", name, "addr", ln.Addr().String())
		listening.Set(true)
		defer listening.Set(false)
		var err error
		if tls != nil {
			err = hs.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = hs.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: %s server: %w", name, err)
	})
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// RelayAddr is the bound address of the relay listener, or nil in the
// device role.
func (a *App) RelayAddr() net.Addr { return a.relayAddr }

// MetricsAddr is the bound address of the metrics listener, or nil when
// server.metrics_addr is empty.
func (a *App) MetricsAddr() net.Addr { return a.metricsAddr }

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. HTTP servers are stopped when Run returns.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range a.runners {
		g.Go(func() error { return r(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		a.stopServers(context.Background())
		return nil
	})

	a.log.Info("app running", "components", len(a.runners))
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *App) stopServers(ctx context.Context) {
	a.cancelBase()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, hs := range a.servers {
		if err := hs.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown", "err", err)
		}
	}
}

// Shutdown tears down every component in reverse-init order. It respects
// the context deadline: if ctx expires first, remaining closers are skipped
// and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		a.stopServers(ctx)
		for _, ln := range a.listeners {
			_ = ln.Close()
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New managed to build before failing.
func (a *App) closeAll() {
	a.cancelBase()
	for _, ln := range a.listeners {
		_ = ln.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}
