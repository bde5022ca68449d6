// Package events provides Kafka fan-out of finalized transcript events.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"call-transcription-service/internal/models"
	"call-transcription-service/internal/observability/metrics"
)

// Publisher publishes finalized transcript events to a Kafka topic. Interim
// results never reach this publisher; the session manager drops them first.
type Publisher struct {
	writer    *kafka.Writer
	principal string
	topic     string
	enabled   bool
	metrics   *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers   []string
	Topic     string
	Principal string
	Enabled   bool
}

// New creates a Kafka publisher. When disabled (or misconfigured with no
// brokers) it degrades to log-only mode: publishes succeed without a broker.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics

	if cfg == nil {
		log.Info().Msg("kafka disabled (nil config), using log-only mode")
		return &Publisher{enabled: false, metrics: m}
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("kafka disabled, using log-only mode")
		return &Publisher{
			principal: cfg.Principal,
			topic:     cfg.Topic,
			enabled:   false,
			metrics:   m,
		}
	}

	// Longer dial timeouts for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Str("principal", cfg.Principal).
		Msg("kafka publisher initialized")

	return &Publisher{
		writer:    writer,
		principal: cfg.Principal,
		topic:     cfg.Topic,
		enabled:   true,
		metrics:   m,
	}
}

// PublishFinal publishes a finalized transcript event keyed by call SID so
// one call's events land on one partition in order.
func (p *Publisher) PublishFinal(ctx context.Context, ev models.TranscriptEvent) error {
	start := time.Now()

	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("topic", p.topic).Msg("failed to marshal transcript event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", p.topic).
		Str("callSid", ev.CallSID).
		RawJSON("payload", payload).
		Msg("publishing transcript event")

	if !p.enabled || p.writer == nil {
		p.metrics.RecordKafkaPublish(p.topic, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(ev.CallSID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(p.topic)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", p.topic).
			Str("callSid", ev.CallSID).
			Msg("failed to write to kafka")
		p.metrics.RecordKafkaPublish(p.topic, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(p.topic, nil, time.Since(start).Seconds())
	return nil
}

// Close closes the Kafka writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		log.Error().Err(err).Msg("error closing kafka writer")
		return err
	}
	return nil
}
