package stream

import (
	"errors"
	"time"

	"github.com/revlens-io/revlens/internal/config"
)

const (
	defaultGroupID           = "revlens-ingest"
	defaultRegistryURL       = ""
	defaultDialTimeout       = 10 * time.Second
	defaultSessionTimeout    = 30 * time.Second
	defaultHeartbeatInterval = 3 * time.Second
	defaultMaxPollWait       = 10 * time.Second
	defaultAcceptRetries     = 5
	defaultAcceptBackoffBase = 250 * time.Millisecond
	defaultAcceptBackoffMax  = 5 * time.Second
	defaultReconnectBase     = time.Second
	defaultReconnectMax      = time.Minute
	defaultPauseDuration     = 10 * time.Second
	defaultMaxPauseRounds    = 3
)

var (
	defaultBrokers = []string{"localhost:9092"}
	defaultTopics  = []string{"crm.events"}
)

var (
	// ErrNoBrokers indicates an empty broker list.
	ErrNoBrokers = errors.New("at least one broker is required")

	// ErrNoTopics indicates an empty topic list.
	ErrNoTopics = errors.New("at least one topic is required")

	// ErrNoGroupID indicates a missing consumer group id.
	ErrNoGroupID = errors.New("consumer group id is required")

	// ErrInvalidTimeouts indicates non-positive dial, session, or poll
	// durations.
	ErrInvalidTimeouts = errors.New("transport timeouts must be positive")

	// ErrInvalidRetryPolicy indicates a broken accept retry or pause policy.
	ErrInvalidRetryPolicy = errors.New("accept retry policy is invalid")

	// ErrIncompleteCredentials indicates a SASL username without a password
	// or the reverse.
	ErrIncompleteCredentials = errors.New("SASL credentials are incomplete")
)

// Config holds stream consumer settings.
// Pure configuration only - no runtime dependencies.
type Config struct {
	// Brokers are the bootstrap addresses of the partitioned log.
	Brokers []string

	// Topics are the subscriptions of this consumer.
	Topics []string

	// GroupID names the consumer group; offsets are committed under it.
	GroupID string

	// RegistryURL is the schema registry base URL. Empty disables binary
	// schema resolution; framed records then fail decoding.
	RegistryURL string

	// SASLUsername and SASLPassword enable SASL/PLAIN when both are set.
	SASLUsername string
	SASLPassword string

	// TLSEnabled switches the dialer to TLS.
	TLSEnabled bool

	// DialTimeout bounds the startup handshake; exceeding it is a transport
	// error, not a hang.
	DialTimeout time.Duration

	// SessionTimeout and HeartbeatInterval tune group membership.
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration

	// MaxPollWait bounds one fetch when the partition is idle.
	MaxPollWait time.Duration

	// AcceptRetries bounds in-place retries of a transiently failing record
	// before the partition is paused. Backoff doubles from AcceptBackoffBase
	// up to AcceptBackoffMax.
	AcceptRetries     int
	AcceptBackoffBase time.Duration
	AcceptBackoffMax  time.Duration

	// ReconnectBase and ReconnectMax bound the exponential backoff applied
	// between group join attempts after transport errors.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// PauseDuration is how long a saturated partition stays paused before
	// its scheduled resume. After MaxPauseRounds pause cycles on the same
	// record the partition halts and a fatal alert is emitted.
	PauseDuration  time.Duration
	MaxPauseRounds int
}

// LoadConfig loads stream configuration from environment variables with
// fallback to defaults. Broker and topic lists are comma-separated.
func LoadConfig() *Config {
	return &Config{
		Brokers:           config.GetEnvStrSlice("STREAM_BROKERS", defaultBrokers),
		Topics:            config.GetEnvStrSlice("STREAM_TOPICS", defaultTopics),
		GroupID:           config.GetEnvStr("STREAM_GROUP_ID", defaultGroupID),
		RegistryURL:       config.GetEnvStr("STREAM_REGISTRY_URL", defaultRegistryURL),
		SASLUsername:      config.GetEnvStr("STREAM_SASL_USERNAME", ""),
		SASLPassword:      config.GetEnvStr("STREAM_SASL_PASSWORD", ""),
		TLSEnabled:        config.GetEnvBool("STREAM_TLS_ENABLED", false),
		DialTimeout:       config.GetEnvDuration("STREAM_DIAL_TIMEOUT", defaultDialTimeout),
		SessionTimeout:    config.GetEnvDuration("STREAM_SESSION_TIMEOUT", defaultSessionTimeout),
		HeartbeatInterval: config.GetEnvDuration("STREAM_HEARTBEAT_INTERVAL", defaultHeartbeatInterval),
		MaxPollWait:       config.GetEnvDuration("STREAM_MAX_POLL_WAIT", defaultMaxPollWait),
		AcceptRetries:     config.GetEnvInt("STREAM_ACCEPT_RETRIES", defaultAcceptRetries),
		AcceptBackoffBase: config.GetEnvDuration("STREAM_ACCEPT_BACKOFF_BASE", defaultAcceptBackoffBase),
		AcceptBackoffMax:  config.GetEnvDuration("STREAM_ACCEPT_BACKOFF_MAX", defaultAcceptBackoffMax),
		ReconnectBase:     config.GetEnvDuration("STREAM_RECONNECT_BASE", defaultReconnectBase),
		ReconnectMax:      config.GetEnvDuration("STREAM_RECONNECT_MAX", defaultReconnectMax),
		PauseDuration:     config.GetEnvDuration("STREAM_PAUSE_DURATION", defaultPauseDuration),
		MaxPauseRounds:    config.GetEnvInt("STREAM_MAX_PAUSE_ROUNDS", defaultMaxPauseRounds),
	}
}

// Validate checks if the stream configuration is valid.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}

	if len(c.Topics) == 0 {
		return ErrNoTopics
	}

	if c.GroupID == "" {
		return ErrNoGroupID
	}

	if c.DialTimeout <= 0 || c.SessionTimeout <= 0 || c.HeartbeatInterval <= 0 || c.MaxPollWait <= 0 {
		return ErrInvalidTimeouts
	}

	if c.AcceptRetries < 1 || c.AcceptBackoffBase <= 0 || c.AcceptBackoffMax < c.AcceptBackoffBase {
		return ErrInvalidRetryPolicy
	}

	if c.PauseDuration <= 0 || c.MaxPauseRounds < 1 {
		return ErrInvalidRetryPolicy
	}

	if (c.SASLUsername == "") != (c.SASLPassword == "") {
		return ErrIncompleteCredentials
	}

	return nil
}
