package stream

import "errors"

// Sentinel errors for the stream consumer. Callers classify with errors.Is.
var (
	// ErrTransport indicates the brokers were unreachable after the bounded
	// handshake timeout, or the connection was lost mid-consumption.
	ErrTransport = errors.New("log transport unavailable")

	// ErrSchema indicates a record references a schema the registry does not
	// know, or the registry rejected the subject. Permanent for that record.
	ErrSchema = errors.New("schema resolution failed")

	// ErrRegistryUnavailable indicates the schema registry could not be
	// reached after bounded retries. Transient; cached schemas remain usable
	// and the record's offset must not advance.
	ErrRegistryUnavailable = errors.New("schema registry unavailable")

	// ErrDecodeFailed indicates a record's bytes could not be interpreted as
	// a framed binary record or a JSON envelope. Permanent for that record;
	// the consumer logs a skipped entry and advances.
	ErrDecodeFailed = errors.New("record decode failed")

	// ErrConsumerClosed indicates Start was called on a stopped consumer or
	// an operation raced Stop.
	ErrConsumerClosed = errors.New("consumer closed")

	// ErrPartitionNotAssigned indicates a pause, resume, or reposition
	// targeted a partition this consumer does not currently own.
	ErrPartitionNotAssigned = errors.New("partition not assigned to this consumer")
)
