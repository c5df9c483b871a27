package responder

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/pttlink/internal/observe"
	"github.com/MrWong99/pttlink/internal/resilience"
)

var _ Responder = (*Chain)(nil)

// Chain tries its responders in order until one replies. Each entry sits
// behind its own circuit breaker, so a backend that keeps failing is skipped
// until its reset timeout passes.
type Chain struct {
	group   *resilience.FallbackGroup[Responder]
	metrics *observe.Metrics
	log     *slog.Logger
}

// ChainOption configures a [Chain].
type ChainOption func(*Chain)

// WithMetrics records per-entry latency and errors.
func WithMetrics(m *observe.Metrics) ChainOption {
	return func(c *Chain) { c.metrics = m }
}

// WithLogger sets the chain's logger.
func WithLogger(l *slog.Logger) ChainOption {
	return func(c *Chain) { c.log = l }
}

// NewChain returns a chain whose first entry is primary.
func NewChain(name string, primary Responder, cfg resilience.FallbackConfig, opts ...ChainOption) *Chain {
	c := &Chain{
		group: resilience.NewFallbackGroup(primary, name, cfg),
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Add appends a fallback. All entries must be added before the first call to
// Respond.
func (c *Chain) Add(name string, r Responder) *Chain {
	c.group.AddFallback(name, r)
	return c
}

// Names returns the entry names in order.
func (c *Chain) Names() []string { return c.group.Names() }

// Respond implements [Responder]. The reply's Responder field names the entry
// that answered.
func (c *Chain) Respond(ctx context.Context, pcm []byte, rate int) (Reply, error) {
	return resilience.ExecuteWithResult(ctx, c.group, func(ctx context.Context, name string, r Responder) (Reply, error) {
		start := time.Now()
		reply, err := r.Respond(ctx, pcm, rate)
		if c.metrics != nil {
			c.metrics.RecordResponder(ctx, name, time.Since(start).Seconds(), err)
		}
		if err != nil {
			return Reply{}, err
		}
		c.log.Debug("responder: reply ready", "responder", name, "bytes", len(reply.PCM), "rate", reply.Rate)
		reply.Responder = name
		return reply, nil
	})
}
