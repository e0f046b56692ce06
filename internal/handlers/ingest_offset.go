package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/revlens-io/revlens/internal/queue"
)

// IngestOffsetPayload names the partition whose committed offset should be
// rewound (or advanced) for replay.
type IngestOffsetPayload struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
}

// IngestOffsetResult reports the repositioned offset. ReplayDepth is the
// number of log records the consumer will revisit, including any it
// previously skipped.
type IngestOffsetResult struct {
	Topic          string `json:"topic"`
	Partition      int    `json:"partition"`
	PreviousOffset int64  `json:"previous_offset"`
	NewOffset      int64  `json:"new_offset"`
	ReplayDepth    int64  `json:"replay_depth"`
}

// IngestOffset rewrites the ingestion consumer group's committed offset for
// one partition. Offset commits require the group to be empty, so a job that
// lands while consumers are still draining fails and retries; the enqueueing
// operator stops the consumers first.
func (s *Set) IngestOffset(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	var payload IngestOffsetPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	if payload.Topic == "" {
		return nil, queue.Permanent(fmt.Errorf("%w: topic is required", ErrBadPayload))
	}
	if payload.Partition < 0 {
		return nil, queue.Permanent(fmt.Errorf("%w: partition must not be negative", ErrBadPayload))
	}
	if payload.Offset < 0 {
		return nil, queue.Permanent(fmt.Errorf("%w: offset must not be negative", ErrBadPayload))
	}

	previous, err := s.deps.Offsets.Reposition(ctx, payload.Topic, payload.Partition, payload.Offset)
	if err != nil {
		return nil, fmt.Errorf("reposition %s partition %d to %d: %w", payload.Topic, payload.Partition, payload.Offset, err)
	}

	result := IngestOffsetResult{
		Topic:          payload.Topic,
		Partition:      payload.Partition,
		PreviousOffset: previous,
		NewOffset:      payload.Offset,
	}
	if previous > payload.Offset {
		result.ReplayDepth = previous - payload.Offset
	}

	s.logger.Info("consumer offset repositioned",
		slog.String("topic", payload.Topic),
		slog.Int("partition", payload.Partition),
		slog.Int64("previous_offset", previous),
		slog.Int64("new_offset", payload.Offset),
		slog.Int64("replay_depth", result.ReplayDepth))

	return json.Marshal(result)
}
