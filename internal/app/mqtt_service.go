package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/jackalope/internal/config"
	"github.com/dokzlo13/jackalope/internal/eventbus"
	"github.com/dokzlo13/jackalope/internal/expiry"
	"github.com/dokzlo13/jackalope/internal/mqtt"
	"github.com/dokzlo13/jackalope/internal/session"
	"github.com/dokzlo13/jackalope/internal/work"
	"github.com/dokzlo13/jackalope/internal/worklist"
)

// MQTTService wires the broker client, the drain session and the event bus.
type MQTTService struct {
	cfg *config.Config

	Bus     *eventbus.Bus
	Session *session.Session
	Client  *mqtt.Client
}

// NewMQTTService creates all components without dialing the broker.
func NewMQTTService(cfg *config.Config, list worklist.WorkList[work.Item], clock expiry.Clock) *MQTTService {
	bus := eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	sess := session.New(list, nil, clock, session.Config{
		DefaultTTL: cfg.Session.DefaultTTL.Duration(),
		RateLimit:  cfg.Session.RateLimit,
		AckTimeout: cfg.Session.AckTimeout.Duration(),
		RetryDelay: cfg.Session.RetryDelay.Duration(),
	})

	s := &MQTTService{
		cfg:     cfg,
		Bus:     bus,
		Session: sess,
	}

	s.Client = mqtt.New(mqtt.Config{
		Broker:          cfg.MQTT.Broker,
		ClientID:        cfg.MQTT.ClientID,
		Username:        cfg.MQTT.Username,
		Password:        cfg.MQTT.Password,
		KeepAlive:       cfg.MQTT.KeepAlive.Duration(),
		ConnectTimeout:  cfg.MQTT.ConnectTimeout.Duration(),
		CleanSession:    cfg.MQTT.CleanSession,
		MinRetryBackoff: cfg.MQTT.MinRetryBackoff.Duration(),
		MaxRetryBackoff: cfg.MQTT.MaxRetryBackoff.Duration(),
	}, bus, s)
	sess.SetTransport(s.Client)

	bus.Subscribe(eventbus.EventTypeMessage, func(e eventbus.Event) {
		log.Info().
			Str("topic", e.Topic).
			Int("qos", int(e.QoS)).
			Bool("retained", e.Retained).
			Int("bytes", len(e.Payload)).
			Msg("Message received")
	})

	return s
}

// Connected implements mqtt.Listener. Configured subscriptions are queued
// behind any buffered work on every new broker session.
func (s *MQTTService) Connected() {
	s.Session.Connected()

	if len(s.cfg.MQTT.Subscriptions) == 0 {
		return
	}
	filters := make([]work.Filter, 0, len(s.cfg.MQTT.Subscriptions))
	for _, sub := range s.cfg.MQTT.Subscriptions {
		filters = append(filters, work.Filter{Topic: sub.Topic, QoS: sub.QoS})
	}
	if err := s.Session.Subscribe(filters...); err != nil {
		log.Error().Err(err).Msg("Failed to queue configured subscriptions")
	}
}

// Disconnected implements mqtt.Listener.
func (s *MQTTService) Disconnected(err error) {
	s.Session.Disconnected(err)
}

// StartBackground starts the drain loop and begins dialing the broker.
func (s *MQTTService) StartBackground(ctx context.Context) {
	go func() {
		if err := s.Session.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Session error")
		}
	}()
	s.Client.Connect()
}

// Close disconnects from the broker and drains the event bus.
func (s *MQTTService) Close() {
	timeout := s.cfg.ShutdownTimeout.Duration()
	s.Client.Disconnect(timeout / 2)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.Bus.Close(ctx)
}
