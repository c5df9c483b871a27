package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/MrWong99/pttlink/internal/observe"
	"github.com/MrWong99/pttlink/internal/resilience"
	"github.com/MrWong99/pttlink/internal/responder"
	"github.com/MrWong99/pttlink/internal/server"
)

// ─── Relay role ──────────────────────────────────────────────────────────────

func (a *App) initRelay(context.Context) error {
	resp, err := a.buildResponder()
	if err != nil {
		return err
	}

	rc := a.cfg.Responder
	srv := server.New(server.Config{
		CaptureRate:  a.cfg.Audio.CaptureRate,
		PlaybackRate: a.cfg.Audio.PlaybackRate,
		MinUtterance: rc.MinUtterance,
		ReplyChunk:   rc.ReplyChunk,
		ReplyPacing:  rc.ReplyPacing,
		SaveDir:      rc.SaveDir,
	}, resp, server.WithLogger(a.log), server.WithMetrics(a.metrics))

	mux := http.NewServeMux()
	mux.Handle(a.cfg.Server.Path, srv.Handler())

	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen relay: %w", err)
	}
	a.relayAddr = ln.Addr()
	a.serve("relay", ln, &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}, a.cfg.Server.TLS)

	if mc := a.cfg.Server.MQTT; mc.Broker != "" {
		var bopts []server.BridgeOption
		if a.mqttFactory != nil {
			bopts = append(bopts, server.WithBridgeClientFactory(a.mqttFactory))
		}
		bridge := server.NewBridge(srv, server.BridgeConfig{
			Broker:      mc.Broker,
			ClientID:    mc.ClientID,
			Username:    mc.Username,
			Password:    mc.Password,
			TopicPrefix: mc.TopicPrefix,
			QoS:         mc.QoS,
		}, bopts...)
		a.runners = append(a.runners, bridge.Run)
	}

	a.log.Info("relay ready",
		"addr", a.relayAddr.String(),
		"path", a.cfg.Server.Path,
		"responders", resp.Names(),
		"mqtt", a.cfg.Server.MQTT.Broker != "",
	)
	return nil
}

// buildResponder wraps responder.name and the optional fallback in a
// circuit-broken chain.
func (a *App) buildResponder() (*responder.Chain, error) {
	rc := a.cfg.Responder
	primary, err := a.registry.CreateResponder(rc.Name, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("app: responder %q: %w", rc.Name, err)
	}
	chain := responder.NewChain(rc.Name, primary, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				a.log.Warn("responder breaker", "responder", name, "from", from.String(), "to", to.String())
			},
		},
	}, responder.WithMetrics(a.metrics), responder.WithLogger(a.log))

	if rc.Fallback != "" && rc.Fallback != rc.Name {
		fb, err := a.registry.CreateResponder(rc.Fallback, a.cfg)
		if err != nil {
			return nil, fmt.Errorf("app: fallback responder %q: %w", rc.Fallback, err)
		}
		chain.Add(rc.Fallback, fb)
	}
	return chain, nil
}
