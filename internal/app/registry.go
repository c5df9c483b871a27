package app

import (
	"log/slog"
	"net/http"

	"github.com/MrWong99/pttlink/internal/config"
	"github.com/MrWong99/pttlink/internal/observe"
	"github.com/MrWong99/pttlink/internal/relay"
	"github.com/MrWong99/pttlink/internal/responder"
	"github.com/MrWong99/pttlink/internal/transport/ble"
	"github.com/MrWong99/pttlink/internal/transport/mqtt"
	"github.com/MrWong99/pttlink/internal/transport/rawws"
	"github.com/MrWong99/pttlink/internal/transport/realtime"
	"github.com/MrWong99/pttlink/internal/transport/websocket"
)

// DefaultRegistry registers every built-in transport and responder. The
// "ble" transport is only available when stack is non-nil. A nil
// mqttFactory uses the paho client.
func DefaultRegistry(metrics *observe.Metrics, log *slog.Logger, stack ble.Stack, mqttFactory mqtt.ClientFactory) *config.Registry {
	reg := config.NewRegistry()

	reg.RegisterTransport(config.TransportRawWS, func(cfg *config.Config) (relay.Transport, error) {
		c := cfg.Transports.RawWS
		return rawws.New(rawws.Config{
			Host:              c.Host,
			Port:              c.Port,
			Path:              c.Path,
			TLS:               c.TLS,
			Authorization:     c.Authorization,
			Headers:           c.Headers,
			ReconnectInterval: c.ReconnectInterval,
			HandshakeTimeout:  c.HandshakeTimeout,
		}, rawws.WithLogger(log), rawws.WithMetrics(metrics)), nil
	})

	reg.RegisterTransport(config.TransportWebSocket, func(cfg *config.Config) (relay.Transport, error) {
		c := cfg.Transports.WebSocket
		header := make(http.Header, len(c.Headers))
		for k, v := range c.Headers {
			header.Set(k, v)
		}
		return websocket.New(websocket.Config{
			URL:               c.URL,
			Header:            header,
			ReconnectInterval: c.ReconnectInterval,
		}, metrics, websocket.WithLogger(log)), nil
	})

	reg.RegisterTransport(config.TransportRealtime, func(cfg *config.Config) (relay.Transport, error) {
		c := cfg.Transports.Realtime
		return realtime.New(realtime.Config{
			Host:              c.Host,
			Port:              c.Port,
			Path:              c.Path,
			TLS:               c.TLS,
			Model:             c.Model,
			APIKey:            c.APIKey,
			Voice:             c.Voice,
			Instructions:      c.Instructions,
			ReconnectInterval: c.ReconnectInterval,
			HandshakeTimeout:  c.HandshakeTimeout,
		}, metrics, log), nil
	})

	reg.RegisterTransport(config.TransportMQTT, func(cfg *config.Config) (relay.Transport, error) {
		c := cfg.Transports.MQTT
		opts := []mqtt.Option{mqtt.WithLogger(log), mqtt.WithMetrics(metrics)}
		if mqttFactory != nil {
			opts = append(opts, mqtt.WithClientFactory(mqttFactory))
		}
		return mqtt.New(mqtt.Config{
			Broker:            c.Broker,
			ClientID:          c.ClientID,
			Username:          c.Username,
			Password:          c.Password,
			TopicPrefix:       c.TopicPrefix,
			DeviceID:          c.DeviceID,
			QoS:               c.QoS,
			MaxPayload:        c.MaxPayload,
			ReconnectInterval: c.ReconnectInterval,
		}, opts...), nil
	})

	if stack != nil {
		reg.RegisterTransport(config.TransportBLE, func(cfg *config.Config) (relay.Transport, error) {
			return ble.New(stack, cfg.Transports.BLE.DeviceName, log), nil
		})
	}

	reg.RegisterResponder(config.ResponderEcho, func(*config.Config) (responder.Responder, error) {
		return responder.Echo{}, nil
	})

	reg.RegisterResponder(config.ResponderCascade, func(cfg *config.Config) (responder.Responder, error) {
		r := cfg.Responder
		var llm responder.Completer
		if r.LLMProvider != "" {
			a, err := responder.NewAnyLLM(r.LLMProvider, r.LLMModel, r.LLMAPIKey, r.LLMBaseURL)
			if err != nil {
				return nil, err
			}
			llm = a
		}
		return responder.NewCascade(responder.CascadeConfig{
			APIKey:       r.APIKey,
			BaseURL:      r.BaseURL,
			STTModel:     r.STTModel,
			LLMModel:     r.LLMModel,
			TTSModel:     r.TTSModel,
			Voice:        r.Voice,
			SystemPrompt: r.SystemPrompt,
			Timeout:      r.Timeout,
			LLM:          llm,
		}, log)
	})

	reg.RegisterResponder(config.ResponderRealtime, func(cfg *config.Config) (responder.Responder, error) {
		r := cfg.Responder
		return responder.NewRealtime(responder.RealtimeConfig{
			URL:          r.RealtimeURL,
			Model:        r.RealtimeModel,
			APIKey:       r.APIKey,
			Voice:        r.Voice,
			Instructions: r.SystemPrompt,
			Timeout:      r.Timeout,
		}, log)
	})

	return reg
}
