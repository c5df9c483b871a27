// Package transport holds what the device transports share: a reconnect
// supervisor that keeps one link alive in the background.
//
// Concrete transports live in the subpackages rawws, websocket, realtime,
// ble and mqtt. Each implements [relay.Transport].
package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/pttlink/internal/observe"
)

// Default reconnection parameters. The WebSocket firmware retries every 2s
// forever.
const (
	DefaultBackoff    = 2 * time.Second
	DefaultMaxBackoff = 30 * time.Second
)

// Link is a connection the supervisor can close. Implementations must be
// comparable so a stale loss report can be told apart from the current link.
type Link interface {
	comparable
	Close() error
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig[C Link] struct {
	// Name labels logs and metrics, e.g. "rawws".
	Name string

	// Dial establishes one link. It is called from the supervisor goroutine.
	Dial func(ctx context.Context) (C, error)

	// Backoff is the initial pause between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to [DefaultBackoff].
	Backoff time.Duration

	// MaxBackoff caps the pause. Defaults to [DefaultMaxBackoff]; set it equal
	// to Backoff for a fixed retry interval.
	MaxBackoff time.Duration

	// OnConnect is called on the supervisor goroutine after every successful
	// dial, once the link is visible through [Reconnector.Link].
	OnConnect func(C)

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Reconnector keeps one link established. It dials as soon as it is started
// and again after every [Reconnector.Lost] report.
//
// All methods are safe for concurrent use.
type Reconnector[C Link] struct {
	cfg ReconnectorConfig[C]

	mu       sync.Mutex
	link     C
	up       bool
	lost     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  sync.Once
}

// NewReconnector returns a stopped supervisor.
func NewReconnector[C Link](cfg ReconnectorConfig[C]) *Reconnector[C] {
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconnector[C]{
		cfg:  cfg,
		lost: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Start launches the supervisor goroutine and the first dial. Later calls
// are no-ops.
func (r *Reconnector[C]) Start(ctx context.Context) {
	r.started.Do(func() {
		r.signal()
		go r.monitorLoop(ctx)
	})
}

// Link returns the current link, if any.
func (r *Reconnector[C]) Link() (C, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link, r.up
}

// Lost reports that link failed. The link is closed and a redial is
// scheduled. Reports for a link that is no longer current are ignored.
func (r *Reconnector[C]) Lost(link C) {
	r.mu.Lock()
	if !r.up || r.link != link {
		r.mu.Unlock()
		return
	}
	var zero C
	r.link, r.up = zero, false
	r.mu.Unlock()

	_ = link.Close()
	r.cfg.Logger.Info("transport: link lost", "transport", r.cfg.Name)
	r.signal()
}

func (r *Reconnector[C]) signal() {
	select {
	case r.lost <- struct{}{}:
	default:
		// Already signalled.
	}
}

// Stop halts the supervisor and closes the current link. Safe to call
// multiple times.
func (r *Reconnector[C]) Stop() error {
	r.stopOnce.Do(func() { close(r.done) })

	r.mu.Lock()
	link, up := r.link, r.up
	var zero C
	r.link, r.up = zero, false
	r.mu.Unlock()

	if up {
		return link.Close()
	}
	return nil
}

func (r *Reconnector[C]) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.lost:
			r.connect(ctx)
		}
	}
}

// connect dials with exponential backoff until it succeeds or the supervisor
// stops. An outage is never abandoned.
func (r *Reconnector[C]) connect(ctx context.Context) {
	backoff := r.cfg.Backoff

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		link, err := r.cfg.Dial(ctx)
		r.cfg.Metrics.RecordReconnect(ctx, r.cfg.Name, err)
		if err == nil {
			// A report that raced with this dial refers to an older link.
			select {
			case <-r.lost:
			default:
			}

			r.mu.Lock()
			select {
			case <-r.done:
				r.mu.Unlock()
				_ = link.Close()
				return
			default:
			}
			r.link, r.up = link, true
			r.mu.Unlock()

			r.cfg.Logger.Info("transport: connected", "transport", r.cfg.Name, "attempt", attempt)
			if r.cfg.OnConnect != nil {
				r.cfg.OnConnect(link)
			}
			return
		}

		r.cfg.Logger.Warn("transport: connect failed",
			"transport", r.cfg.Name,
			"attempt", attempt,
			"retry_in", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}
}
