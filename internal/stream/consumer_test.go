package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"

	"github.com/revlens-io/revlens/internal/ingest"
	"github.com/revlens-io/revlens/internal/observability"
)

// fakeStore records calls and plays back scripted outcomes. The zero value
// accepts everything as processed.
type fakeStore struct {
	mu       sync.Mutex
	accepted []ingest.Origin
	events   []*ingest.Event
	skipped  []*ingest.LogEntry
	outcomes []ingest.Outcome
	logErr   error
}

func (f *fakeStore) Accept(_ context.Context, event *ingest.Event, origin ingest.Origin) (ingest.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.accepted = append(f.accepted, origin)
	f.events = append(f.events, event)

	if len(f.outcomes) == 0 {
		return ingest.OutcomeProcessed, nil
	}

	outcome := f.outcomes[0]
	f.outcomes = f.outcomes[1:]

	if outcome == ingest.OutcomeFailedTransient {
		return outcome, fmt.Errorf("%w: connection reset", ingest.ErrTransientStorage)
	}

	return outcome, nil
}

func (f *fakeStore) LogSkipped(_ context.Context, entry *ingest.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.logErr != nil {
		return f.logErr
	}

	f.skipped = append(f.skipped, entry)

	return nil
}

func (f *fakeStore) HealthCheck(_ context.Context) error {
	return nil
}

func (f *fakeStore) acceptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.accepted)
}

func (f *fakeStore) skippedEntries() []*ingest.LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*ingest.LogEntry(nil), f.skipped...)
}

func (f *fakeStore) acceptedEvents() []*ingest.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*ingest.Event(nil), f.events...)
}

func testStreamConfig() *Config {
	return &Config{
		Brokers:           []string{"localhost:9092"},
		Topics:            []string{"crm.events"},
		GroupID:           "revlens-test",
		DialTimeout:       time.Second,
		SessionTimeout:    10 * time.Second,
		HeartbeatInterval: time.Second,
		MaxPollWait:       time.Second,
		AcceptRetries:     3,
		AcceptBackoffBase: time.Millisecond,
		AcceptBackoffMax:  4 * time.Millisecond,
		ReconnectBase:     time.Millisecond,
		ReconnectMax:      10 * time.Millisecond,
		PauseDuration:     5 * time.Millisecond,
		MaxPauseRounds:    1,
	}
}

func newTestConsumer(t *testing.T, store ingest.Store, cfg *Config) *Consumer {
	t.Helper()

	decoder, err := NewDecoder(nil, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewDecoder() error = %v", err)
	}

	c, err := New(cfg, store, decoder, slog.New(slog.DiscardHandler), observability.NewMetrics(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return c
}

func envelopeJSON(eventID, eventType, tenantID string) []byte {
	return []byte(fmt.Sprintf(
		`{"eventId":%q,"eventType":%q,"tenantId":%q,"timestamp":"2025-06-15T10:30:00Z","data":{"stage":"qualified"},"metadata":{"source":"salesforce-bridge","version":"2.3.1"}}`,
		eventID, eventType, tenantID))
}

func testMessage(offset int64, value []byte) kafka.Message {
	return kafka.Message{
		Topic:     "crm.events",
		Partition: 3,
		Offset:    offset,
		Value:     value,
	}
}

func TestConsumer_New_Validation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeStore{}
	logger := slog.New(slog.DiscardHandler)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	decoder, err := NewDecoder(nil, logger)
	if err != nil {
		t.Fatalf("NewDecoder() error = %v", err)
	}

	if _, err := New(nil, store, decoder, logger, metrics); err == nil {
		t.Error("New() with nil config did not error")
	}

	if _, err := New(testStreamConfig(), nil, decoder, logger, metrics); err == nil {
		t.Error("New() with nil store did not error")
	}

	if _, err := New(testStreamConfig(), store, nil, logger, metrics); err == nil {
		t.Error("New() with nil decoder did not error")
	}

	if _, err := New(testStreamConfig(), store, decoder, nil, metrics); err == nil {
		t.Error("New() with nil logger did not error")
	}

	if _, err := New(testStreamConfig(), store, decoder, logger, nil); err == nil {
		t.Error("New() with nil metrics did not error")
	}

	bad := testStreamConfig()
	bad.GroupID = ""

	if _, err := New(bad, store, decoder, logger, metrics); !errors.Is(err, ErrNoGroupID) {
		t.Errorf("New() with empty group error = %v, want ErrNoGroupID", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid", func(*Config) {}, nil},
		{"no brokers", func(c *Config) { c.Brokers = nil }, ErrNoBrokers},
		{"no topics", func(c *Config) { c.Topics = nil }, ErrNoTopics},
		{"no group", func(c *Config) { c.GroupID = "" }, ErrNoGroupID},
		{"zero dial timeout", func(c *Config) { c.DialTimeout = 0 }, ErrInvalidTimeouts},
		{"zero session timeout", func(c *Config) { c.SessionTimeout = 0 }, ErrInvalidTimeouts},
		{"zero accept retries", func(c *Config) { c.AcceptRetries = 0 }, ErrInvalidRetryPolicy},
		{"backoff max below base", func(c *Config) {
			c.AcceptBackoffBase = time.Second
			c.AcceptBackoffMax = time.Millisecond
		}, ErrInvalidRetryPolicy},
		{"zero pause rounds", func(c *Config) { c.MaxPauseRounds = 0 }, ErrInvalidRetryPolicy},
		{"username without password", func(c *Config) { c.SASLUsername = "ingest" }, ErrIncompleteCredentials},
		{"password without username", func(c *Config) { c.SASLPassword = "secret" }, ErrIncompleteCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testStreamConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}

				return
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := LoadConfig()

	if len(cfg.Brokers) != 1 || cfg.Brokers[0] != "localhost:9092" {
		t.Errorf("Brokers = %v", cfg.Brokers)
	}

	if len(cfg.Topics) != 1 || cfg.Topics[0] != "crm.events" {
		t.Errorf("Topics = %v", cfg.Topics)
	}

	if cfg.GroupID != defaultGroupID {
		t.Errorf("GroupID = %s", cfg.GroupID)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults error = %v", err)
	}
}

func TestLoadConfig_ListParsing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("STREAM_BROKERS", "broker-1:9092, broker-2:9092 ,,broker-3:9092")
	t.Setenv("STREAM_TOPICS", "crm.events,crm.events.replay")

	cfg := LoadConfig()

	want := []string{"broker-1:9092", "broker-2:9092", "broker-3:9092"}
	if len(cfg.Brokers) != len(want) {
		t.Fatalf("Brokers = %v, want %v", cfg.Brokers, want)
	}

	for i := range want {
		if cfg.Brokers[i] != want[i] {
			t.Errorf("Brokers[%d] = %s, want %s", i, cfg.Brokers[i], want[i])
		}
	}

	if len(cfg.Topics) != 2 {
		t.Errorf("Topics = %v", cfg.Topics)
	}
}

func TestConsumer_PauseResume(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	c := newTestConsumer(t, &fakeStore{}, testStreamConfig())
	tp := topicPartition{"crm.events", 3}

	if err := c.Pause("crm.events", 3); !errors.Is(err, ErrPartitionNotAssigned) {
		t.Errorf("Pause() on unassigned partition error = %v, want ErrPartitionNotAssigned", err)
	}

	c.setAssigned(tp, true)

	if err := c.Pause("crm.events", 3); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}

	if !c.isPaused(tp) {
		t.Error("isPaused() = false after Pause")
	}

	// Pausing twice must not double-count the gauge or lose the gate.
	if err := c.Pause("crm.events", 3); err != nil {
		t.Fatalf("Pause() second call error = %v", err)
	}

	c.markHalted(tp)

	if err := c.Resume("crm.events", 3); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	if c.isPaused(tp) {
		t.Error("isPaused() = true after Resume")
	}

	if c.isHalted(tp) {
		t.Error("Resume() did not clear the halt flag")
	}

	// Resume on an open partition is a no-op.
	if err := c.Resume("crm.events", 3); err != nil {
		t.Errorf("Resume() on open partition error = %v", err)
	}
}

func TestConsumer_PauseForSaturationSchedulesResume(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	c := newTestConsumer(t, &fakeStore{}, testStreamConfig())
	tp := topicPartition{"crm.events", 0}

	c.pauseForSaturation(tp)

	if !c.isPaused(tp) {
		t.Fatal("isPaused() = false right after pauseForSaturation")
	}

	deadline := time.Now().Add(time.Second)
	for c.isPaused(tp) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if c.isPaused(tp) {
		t.Error("scheduled resume did not fire")
	}
}

func TestConsumer_AttemptRecord_Processed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeStore{}
	c := newTestConsumer(t, store, testStreamConfig())

	msg := testMessage(42, envelopeJSON("evt-1", "opportunity.won", "t-acme"))
	origin := ingest.Origin{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset}

	status, err := c.attemptRecord(context.Background(), c.logger, msg, &origin)
	if err != nil {
		t.Fatalf("attemptRecord() error = %v", err)
	}

	if status != "processed" {
		t.Errorf("attemptRecord() status = %s, want processed", status)
	}

	events := store.acceptedEvents()
	if len(events) != 1 {
		t.Fatalf("accepted events = %d, want 1", len(events))
	}

	if events[0].EventID != "evt-1" || events[0].TenantID != "t-acme" {
		t.Errorf("accepted event = %+v", events[0])
	}

	if origin.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", origin.RetryCount)
	}
}

func TestConsumer_AttemptRecord_TransientThenSuccess(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeStore{outcomes: []ingest.Outcome{
		ingest.OutcomeFailedTransient,
		ingest.OutcomeFailedTransient,
		ingest.OutcomeProcessed,
	}}
	c := newTestConsumer(t, store, testStreamConfig())

	msg := testMessage(7, envelopeJSON("evt-2", "lead.created", "t-acme"))
	origin := ingest.Origin{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset}

	status, err := c.attemptRecord(context.Background(), c.logger, msg, &origin)
	if err != nil {
		t.Fatalf("attemptRecord() error = %v", err)
	}

	if status != "processed" {
		t.Errorf("attemptRecord() status = %s, want processed", status)
	}

	if got := store.acceptCount(); got != 3 {
		t.Errorf("accept attempts = %d, want 3", got)
	}

	if origin.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", origin.RetryCount)
	}
}

func TestConsumer_AttemptRecord_TransientExhausted(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeStore{outcomes: []ingest.Outcome{
		ingest.OutcomeFailedTransient,
		ingest.OutcomeFailedTransient,
		ingest.OutcomeFailedTransient,
	}}
	c := newTestConsumer(t, store, testStreamConfig())

	msg := testMessage(8, envelopeJSON("evt-3", "lead.created", "t-acme"))
	origin := ingest.Origin{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset}

	_, err := c.attemptRecord(context.Background(), c.logger, msg, &origin)
	if err == nil {
		t.Fatal("attemptRecord() did not error after exhausting retries")
	}

	if !errors.Is(err, ingest.ErrTransientStorage) {
		t.Errorf("attemptRecord() error = %v, want wrapped ErrTransientStorage", err)
	}

	if got := store.acceptCount(); got != 3 {
		t.Errorf("accept attempts = %d, want 3", got)
	}
}

func TestConsumer_AttemptRecord_PermanentAdvances(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeStore{outcomes: []ingest.Outcome{ingest.OutcomeFailedPermanent}}
	c := newTestConsumer(t, store, testStreamConfig())

	msg := testMessage(9, envelopeJSON("evt-4", "lead.created", "t-acme"))
	origin := ingest.Origin{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset}

	status, err := c.attemptRecord(context.Background(), c.logger, msg, &origin)
	if err != nil {
		t.Fatalf("attemptRecord() error = %v", err)
	}

	if status != "failed" {
		t.Errorf("attemptRecord() status = %s, want failed", status)
	}

	if got := store.acceptCount(); got != 1 {
		t.Errorf("accept attempts = %d, want 1", got)
	}
}

func TestConsumer_AttemptRecord_DecodeFailureSkips(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeStore{}
	c := newTestConsumer(t, store, testStreamConfig())

	msg := testMessage(13, []byte("definitely not an envelope"))
	origin := ingest.Origin{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset}

	status, err := c.attemptRecord(context.Background(), c.logger, msg, &origin)
	if err != nil {
		t.Fatalf("attemptRecord() error = %v", err)
	}

	if status != "skipped" {
		t.Errorf("attemptRecord() status = %s, want skipped", status)
	}

	if store.acceptCount() != 0 {
		t.Error("undecodable record reached Accept")
	}

	skipped := store.skippedEntries()
	if len(skipped) != 1 {
		t.Fatalf("skipped entries = %d, want 1", len(skipped))
	}

	entry := skipped[0]
	if entry.ErrorMessage != "decode_failed" {
		t.Errorf("skip entry error = %q, want decode_failed", entry.ErrorMessage)
	}

	if entry.EventID != "crm.events-3-13" {
		t.Errorf("skip entry event id = %q", entry.EventID)
	}

	if entry.Topic != "crm.events" || entry.Partition != 3 || entry.Offset != 13 {
		t.Errorf("skip entry origin = %s/%d@%d", entry.Topic, entry.Partition, entry.Offset)
	}
}

func TestConsumer_AttemptRecord_SkipEntryUsesRecordKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeStore{}
	c := newTestConsumer(t, store, testStreamConfig())

	msg := testMessage(14, []byte{0x00, 0x01})
	msg.Key = []byte("evt-keyed")

	origin := ingest.Origin{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset}

	if _, err := c.attemptRecord(context.Background(), c.logger, msg, &origin); err != nil {
		t.Fatalf("attemptRecord() error = %v", err)
	}

	skipped := store.skippedEntries()
	if len(skipped) != 1 {
		t.Fatalf("skipped entries = %d, want 1", len(skipped))
	}

	if skipped[0].EventID != "evt-keyed" {
		t.Errorf("skip entry event id = %q, want evt-keyed", skipped[0].EventID)
	}
}

func TestConsumer_AttemptRecord_SkipEntryWriteFailureHoldsOffset(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeStore{logErr: fmt.Errorf("%w: log table unreachable", ingest.ErrTransientStorage)}
	c := newTestConsumer(t, store, testStreamConfig())

	msg := testMessage(15, []byte("still not an envelope"))
	origin := ingest.Origin{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset}

	_, err := c.attemptRecord(context.Background(), c.logger, msg, &origin)
	if !errors.Is(err, ingest.ErrTransientStorage) {
		t.Errorf("attemptRecord() error = %v, want wrapped ErrTransientStorage", err)
	}
}

func TestConsumer_Deliver_PausesThenHalts(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	alwaysTransient := make([]ingest.Outcome, 0, 8)
	for i := 0; i < 8; i++ {
		alwaysTransient = append(alwaysTransient, ingest.OutcomeFailedTransient)
	}

	store := &fakeStore{outcomes: alwaysTransient}
	c := newTestConsumer(t, store, testStreamConfig())

	msg := testMessage(21, envelopeJSON("evt-5", "activity.logged", "t-acme"))

	_, err := c.deliver(context.Background(), c.logger, msg)
	if !errors.Is(err, errPartitionExhausted) {
		t.Fatalf("deliver() error = %v, want errPartitionExhausted", err)
	}

	// One initial round plus one pause round, three accept attempts each.
	if got := store.acceptCount(); got != 6 {
		t.Errorf("accept attempts = %d, want 6", got)
	}
}

func TestConsumer_Deliver_RecoversAfterPause(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeStore{outcomes: []ingest.Outcome{
		ingest.OutcomeFailedTransient,
		ingest.OutcomeFailedTransient,
		ingest.OutcomeFailedTransient,
		ingest.OutcomeProcessed,
	}}
	c := newTestConsumer(t, store, testStreamConfig())

	msg := testMessage(22, envelopeJSON("evt-6", "contact.updated", "t-acme"))

	status, err := c.deliver(context.Background(), c.logger, msg)
	if err != nil {
		t.Fatalf("deliver() error = %v", err)
	}

	if status != "processed" {
		t.Errorf("deliver() status = %s, want processed", status)
	}

	if got := store.acceptCount(); got != 4 {
		t.Errorf("accept attempts = %d, want 4", got)
	}
}

func TestConsumer_StartAfterStop(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	c := newTestConsumer(t, &fakeStore{}, testStreamConfig())

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if err := c.Start(context.Background()); !errors.Is(err, ErrConsumerClosed) {
		t.Errorf("Start() after Stop error = %v, want ErrConsumerClosed", err)
	}

	if err := c.Stop(); err != nil {
		t.Errorf("Stop() twice error = %v", err)
	}
}

func TestRecordEventID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	keyed := testMessage(5, nil)
	keyed.Key = []byte("evt-7")

	if got := recordEventID(keyed); got != "evt-7" {
		t.Errorf("recordEventID() = %s, want evt-7", got)
	}

	if got := recordEventID(testMessage(5, nil)); got != "crm.events-3-5" {
		t.Errorf("recordEventID() = %s, want crm.events-3-5", got)
	}
}
