// Package redpanda publishes terminal-outcome audit events to a
// Redpanda/Kafka topic. The backing store stays the system of record;
// the stream exists for downstream reporting and anomaly detection.
package redpanda

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/formfleet/internal/domain"
)

// TopicOutcomes carries one event per terminal write.
const TopicOutcomes = "form-submission-outcomes"

// OutcomeProducer implements domain.OutcomePublisher over franz-go.
type OutcomeProducer struct {
	client *kgo.Client
	topic  string
	log    *slog.Logger
}

// NewOutcomeProducer connects to the brokers and ensures the topic exists.
// Each worker process owns one producer; runID keys the transactional id so
// parallel runs never fence each other.
func NewOutcomeProducer(brokers []string, runID string, workerID int, log *slog.Logger) (*OutcomeProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.NewOutcomeProducer: no seed brokers")
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(
			kotel.TracerProvider(otel.GetTracerProvider()),
		)),
	)
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(fmt.Sprintf("formfleet-%s-w%d", runID, workerID)),
		kgo.RequestRetries(10),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.NewOutcomeProducer: %w", err)
	}

	p := &OutcomeProducer{client: client, topic: TopicOutcomes, log: log}
	return p, nil
}

// EnsureTopic creates the outcome topic when missing. Safe to call on every
// startup; an already-existing topic is not an error.
func (p *OutcomeProducer) EnsureTopic(ctx domain.Context) error {
	return createTopicIfNotExists(ctx, p.client, p.topic, 1, 1)
}

// PublishOutcome emits one event inside a producer transaction. The key is
// the company id so per-company history stays in partition order.
func (p *OutcomeProducer) PublishOutcome(ctx domain.Context, ev domain.OutcomeEvent) error {
	rec, err := outcomeRecord(p.topic, ev)
	if err != nil {
		return fmt.Errorf("op=redpanda.PublishOutcome: %w", err)
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("op=redpanda.PublishOutcome begin: %w", err)
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			p.log.Error("transaction abort failed", "err", abortErr)
		}
		return fmt.Errorf("op=redpanda.PublishOutcome produce: %w", err)
	}
	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("op=redpanda.PublishOutcome commit: %w", err)
	}
	return nil
}

// outcomeRecord builds the Kafka record for one event.
func outcomeRecord(topic string, ev domain.OutcomeEvent) (*kgo.Record, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(strconv.Itoa(ev.CompanyID)),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "run_id", Value: []byte(ev.RunID)},
			{Key: "target_date", Value: []byte(ev.TargetDate)},
		},
	}, nil
}

// Close flushes and releases the underlying client.
func (p *OutcomeProducer) Close() {
	p.client.Close()
}
