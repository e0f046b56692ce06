// Package stream consumes CRM change events from the partitioned log and
// drives them through the ingestion handler. One goroutine per assigned
// partition preserves per-partition order; offsets are committed only after
// the event is durably landed or durably logged as skipped or failed, so a
// crash replays the tail and the idempotency layer absorbs the duplicates.
package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/revlens-io/revlens/internal/ingest"
	"github.com/revlens-io/revlens/internal/observability"
)

// pausedPollInterval is how often a paused partition re-checks its gate.
const pausedPollInterval = 100 * time.Millisecond

// errPartitionExhausted signals that a record failed transiently through
// every accept retry and every pause round; the partition halts.
var errPartitionExhausted = errors.New("partition retry budget exhausted")

type topicPartition struct {
	topic     string
	partition int
}

// Consumer owns a dynamic subset of partitions across the configured topics.
type Consumer struct {
	config  *Config
	store   ingest.Store
	decoder *Decoder
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	dialer  *kafka.Dialer

	mu       sync.Mutex
	group    *kafka.ConsumerGroup
	assigned map[topicPartition]bool
	paused   map[topicPartition]*time.Timer
	halted   map[topicPartition]bool
	closed   bool
}

// New creates a stream consumer.
func New(config *Config, store ingest.Store, decoder *Decoder, logger *slog.Logger, metrics *observability.Metrics) (*Consumer, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	if store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if decoder == nil {
		return nil, errors.New("decoder cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if metrics == nil {
		return nil, errors.New("metrics cannot be nil")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stream config: %w", err)
	}

	return &Consumer{
		config:   config,
		store:    store,
		decoder:  decoder,
		logger:   logger.With(slog.String("component", "stream_consumer")),
		metrics:  metrics,
		tracer:   otel.Tracer("revlens/stream"),
		dialer:   buildDialer(config),
		assigned: make(map[topicPartition]bool),
		paused:   make(map[topicPartition]*time.Timer),
		halted:   make(map[topicPartition]bool),
	}, nil
}

func buildDialer(config *Config) *kafka.Dialer {
	dialer := &kafka.Dialer{
		Timeout:   config.DialTimeout,
		DualStack: true,
	}

	if config.SASLUsername != "" {
		dialer.SASLMechanism = plain.Mechanism{
			Username: config.SASLUsername,
			Password: config.SASLPassword,
		}
	}

	if config.TLSEnabled {
		dialer.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return dialer
}

// Start joins the consumer group and consumes until ctx is canceled or Stop
// is called. It returns ErrTransport when no broker answers the handshake
// within the dial timeout; transport failures after a successful start are
// retried with exponential backoff instead of surfacing.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConsumerClosed
	}
	c.mu.Unlock()

	if err := c.preflight(ctx); err != nil {
		return err
	}

	group, err := kafka.NewConsumerGroup(kafka.ConsumerGroupConfig{
		ID:                c.config.GroupID,
		Brokers:           c.config.Brokers,
		Topics:            c.config.Topics,
		Dialer:            c.dialer,
		SessionTimeout:    c.config.SessionTimeout,
		HeartbeatInterval: c.config.HeartbeatInterval,
		StartOffset:       kafka.FirstOffset,
	})
	if err != nil {
		return fmt.Errorf("consumer group config: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = group.Close()

		return ErrConsumerClosed
	}
	c.group = group
	c.mu.Unlock()

	defer func() {
		_ = group.Close()
	}()

	c.logger.Info("Stream consumer started",
		slog.Any("brokers", c.config.Brokers),
		slog.Any("topics", c.config.Topics),
		slog.String("group_id", c.config.GroupID))

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = c.config.ReconnectBase
	reconnect.MaxInterval = c.config.ReconnectMax
	reconnect.MaxElapsedTime = 0

	for {
		gen, err := group.Next(ctx)
		if err != nil {
			if errors.Is(err, kafka.ErrGroupClosed) || ctx.Err() != nil {
				c.logger.Info("Stream consumer stopped")
				return nil
			}

			delay := reconnect.NextBackOff()

			c.logger.Warn("Consumer group join failed; reconnecting",
				slog.Any("error", err),
				slog.Duration("retry_in", delay))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}

			continue
		}

		reconnect.Reset()
		c.startGeneration(gen)
	}
}

// startGeneration launches one goroutine per assigned partition. Each
// goroutine runs until the generation ends; a goroutine returning early
// ends the generation for every partition and triggers a rebalance.
func (c *Consumer) startGeneration(gen *kafka.Generation) {
	for topic, assignments := range gen.Assignments {
		for _, assignment := range assignments {
			topic, partition, offset := topic, assignment.ID, assignment.Offset

			gen.Start(func(genCtx context.Context) {
				c.consumePartition(genCtx, gen, topic, partition, offset)
			})
		}
	}
}

// Stop closes the group. In-flight records finish their current attempt;
// every record that reached a durable outcome has already committed its
// offset, so the uncommitted tail is simply redelivered and absorbed.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	if c.group != nil {
		return c.group.Close()
	}

	return nil
}

// Pause gates the fetch loop of an assigned partition until Resume.
func (c *Consumer) Pause(topic string, partition int) error {
	tp := topicPartition{topic, partition}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.assigned[tp] {
		return ErrPartitionNotAssigned
	}

	c.pauseLocked(tp, nil)

	return nil
}

// Resume reopens a paused partition and clears a halt flag if one is set.
// Clearing a halt takes effect at the next rebalance.
func (c *Consumer) Resume(topic string, partition int) error {
	tp := topicPartition{topic, partition}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.assigned[tp] {
		return ErrPartitionNotAssigned
	}

	c.resumeLocked(tp)
	delete(c.halted, tp)

	return nil
}

func (c *Consumer) pauseLocked(tp topicPartition, timer *time.Timer) {
	if previous, ok := c.paused[tp]; ok {
		if previous != nil {
			previous.Stop()
		}
	} else {
		c.metrics.PartitionPaused(tp.topic, 1)
	}

	c.paused[tp] = timer
}

func (c *Consumer) resumeLocked(tp topicPartition) {
	timer, ok := c.paused[tp]
	if !ok {
		return
	}

	if timer != nil {
		timer.Stop()
	}

	delete(c.paused, tp)
	c.metrics.PartitionPaused(tp.topic, -1)
}

// pauseForSaturation pauses a partition with a scheduled resume.
func (c *Consumer) pauseForSaturation(tp topicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := time.AfterFunc(c.config.PauseDuration, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.resumeLocked(tp)
	})

	c.pauseLocked(tp, timer)
}

func (c *Consumer) isPaused(tp topicPartition) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.paused[tp]

	return ok
}

func (c *Consumer) isHalted(tp topicPartition) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.halted[tp]
}

func (c *Consumer) markHalted(tp topicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.halted[tp] = true
}

func (c *Consumer) setAssigned(tp topicPartition, owned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if owned {
		c.assigned[tp] = true
		return
	}

	delete(c.assigned, tp)
}

// preflight verifies at least one broker completes a handshake within the
// dial timeout.
func (c *Consumer) preflight(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	var lastErr error

	for _, broker := range c.config.Brokers {
		conn, err := c.dialer.DialContext(dialCtx, "tcp", broker)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		lastErr = err
	}

	return fmt.Errorf("%w: no broker reachable within %s: %w", ErrTransport, c.config.DialTimeout, lastErr)
}

// consumePartition reads one partition sequentially for the lifetime of the
// generation.
func (c *Consumer) consumePartition(ctx context.Context, gen *kafka.Generation, topic string, partition int, offset int64) {
	tp := topicPartition{topic, partition}

	c.setAssigned(tp, true)
	defer c.setAssigned(tp, false)

	logger := c.logger.With(
		slog.String("topic", topic),
		slog.Int("partition", partition))

	if c.isHalted(tp) {
		logger.Error("Partition is halted; holding assignment without consuming")
		<-ctx.Done()

		return
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   c.config.Brokers,
		Topic:     topic,
		Partition: partition,
		Dialer:    c.dialer,
		MinBytes:  1,
		MaxBytes:  10e6,
		MaxWait:   c.config.MaxPollWait,
	})

	defer func() {
		_ = reader.Close()
	}()

	if err := reader.SetOffset(offset); err != nil {
		logger.Error("Failed to position partition reader",
			slog.Int64("offset", offset),
			slog.Any("error", err))

		return
	}

	logger.Debug("Partition assigned", slog.Int64("offset", offset))

	for {
		if err := c.waitWhilePaused(ctx, tp); err != nil {
			return
		}

		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("Partition read failed", slog.Any("error", err))
			}

			return
		}

		if halted := c.processRecord(ctx, gen, logger, msg); halted {
			c.markHalted(tp)

			logger.Error("Partition halted after exhausting retries",
				slog.String("alert", "fatal"),
				slog.Int64("offset", msg.Offset))

			<-ctx.Done()

			return
		}
	}
}

// waitWhilePaused blocks while the partition gate is closed.
func (c *Consumer) waitWhilePaused(ctx context.Context, tp topicPartition) error {
	for c.isPaused(tp) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pausedPollInterval):
		}
	}

	return ctx.Err()
}

// processRecord drives one record to a durable outcome and commits its
// offset. It returns true when the partition must halt.
func (c *Consumer) processRecord(ctx context.Context, gen *kafka.Generation, logger *slog.Logger, msg kafka.Message) bool {
	recordCtx, span := c.tracer.Start(ctx, "stream.record")
	span.SetAttributes(
		attribute.String("messaging.topic", msg.Topic),
		attribute.Int("messaging.partition", msg.Partition),
		attribute.Int64("messaging.offset", msg.Offset),
	)
	defer span.End()

	status, err := c.deliver(recordCtx, logger, msg)
	if err != nil {
		if errors.Is(err, errPartitionExhausted) {
			span.SetStatus(codes.Error, "partition halted")
			return true
		}

		// Shutdown mid-record: the offset stays uncommitted and the record
		// is redelivered.
		span.SetStatus(codes.Error, "delivery interrupted")

		return false
	}

	c.metrics.ObserveEventConsumed(msg.Topic, status)

	if err := gen.CommitOffsets(map[string]map[int]int64{msg.Topic: {msg.Partition: msg.Offset + 1}}); err != nil {
		// The outcome is durable; a missed commit only widens the replay
		// window after the next rebalance.
		logger.Warn("Offset commit failed",
			slog.Int64("offset", msg.Offset),
			slog.Any("error", err))
	}

	return false
}

// deliver drives one record through accept, retrying transient failures
// in place and pausing the partition between rounds when the retries run
// out. The returned status labels the consumed-records metric.
func (c *Consumer) deliver(ctx context.Context, logger *slog.Logger, msg kafka.Message) (string, error) {
	tp := topicPartition{msg.Topic, msg.Partition}

	origin := ingest.Origin{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}

	for round := 0; round <= c.config.MaxPauseRounds; round++ {
		if round > 0 {
			logger.Warn("Accept retries exhausted; pausing partition",
				slog.Int64("offset", msg.Offset),
				slog.Int("pause_round", round),
				slog.Duration("pause_for", c.config.PauseDuration))

			c.pauseForSaturation(tp)

			if err := c.waitWhilePaused(ctx, tp); err != nil {
				return "", err
			}
		}

		status, err := c.attemptRecord(ctx, logger, msg, &origin)
		if err == nil {
			return status, nil
		}

		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		logger.Warn("Record delivery round failed",
			slog.Int64("offset", msg.Offset),
			slog.Any("error", err))
	}

	return "", errPartitionExhausted
}

// attemptRecord decodes and accepts one record with bounded in-place
// retries. A nil error means the record reached a durable outcome; any
// error is transient for this record.
func (c *Consumer) attemptRecord(ctx context.Context, logger *slog.Logger, msg kafka.Message, origin *ingest.Origin) (string, error) {
	event, err := c.decoder.Decode(ctx, msg.Value)
	if err != nil {
		if errors.Is(err, ErrRegistryUnavailable) {
			return "", err
		}

		entry := &ingest.LogEntry{
			EventID:      recordEventID(msg),
			Topic:        msg.Topic,
			Partition:    msg.Partition,
			Offset:       msg.Offset,
			ErrorMessage: "decode_failed",
			RetryCount:   origin.RetryCount,
		}

		if logErr := c.store.LogSkipped(ctx, entry); logErr != nil {
			return "", fmt.Errorf("record skip entry: %w", logErr)
		}

		logger.Warn("Undecodable record skipped",
			slog.Int64("offset", msg.Offset),
			slog.Any("error", err))

		return ingest.StatusSkipped.String(), nil
	}

	delay := c.config.AcceptBackoffBase

	var lastErr error

	for attempt := 0; attempt < c.config.AcceptRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}

			delay *= 2
			if delay > c.config.AcceptBackoffMax {
				delay = c.config.AcceptBackoffMax
			}

			origin.RetryCount++
		}

		start := time.Now()

		outcome, err := c.store.Accept(ctx, event, *origin)

		c.metrics.ObserveAccept(msg.Topic, outcome.String(), time.Since(start))

		if outcome != ingest.OutcomeFailedTransient {
			return outcome.Status().String(), nil
		}

		lastErr = err

		logger.Warn("Transient accept failure",
			slog.String("event_id", event.EventID),
			slog.Int64("offset", msg.Offset),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
	}

	return "", fmt.Errorf("accept retries exhausted: %w", lastErr)
}

// recordEventID derives a log identity for records that never decoded into
// an event.
func recordEventID(msg kafka.Message) string {
	if len(msg.Key) > 0 {
		return string(msg.Key)
	}

	return fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
}
