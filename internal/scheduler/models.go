// Package scheduler provides cron-driven recurring job production for
// RevLens: schedules persisted in PostgreSQL, claimed with SKIP LOCKED so
// replicas never double-fire, and enqueued with per-bucket deduplication
// keys so a crash between fire and advance cannot duplicate work.
package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Sentinel errors for schedule operations.
var (
	// ErrScheduleNotFound is returned when operating on an unknown schedule ID.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrInvalidCronSpec is returned when the cron expression cannot be parsed.
	ErrInvalidCronSpec = errors.New("invalid cron expression")

	// ErrScheduleNameConflict is returned when a schedule name is already
	// taken by a different schedule ID.
	ErrScheduleNameConflict = errors.New("schedule name already in use")

	// ErrScheduleInvalid is returned when required schedule fields are missing.
	ErrScheduleInvalid = errors.New("invalid schedule")
)

// Schedule is a recurring job definition - Domain Model.
//
// Each due fire enqueues one job on Queue/Kind with the stored payload. The
// deduplication key derived from (ID, fire bucket) makes firing idempotent
// across scheduler replicas and crash-retry windows.
type Schedule struct {
	// ID is the globally unique schedule identifier (UUID).
	ID string

	// Name is the human-readable identifier, unique per deployment.
	Name string

	// Spec is the cron expression in standard five-field form, plus the
	// @hourly / @daily / @every descriptors.
	Spec string

	// Queue and Kind select the handler the fired job runs on.
	Queue string
	Kind  string

	// Payload is the job payload template enqueued on every fire.
	Payload json.RawMessage

	// Priority is applied to fired jobs.
	Priority int

	// TenantID scopes tenant-owned schedules; empty for platform schedules.
	TenantID string

	// Enabled gates firing. Disabled schedules keep their definition but are
	// never claimed.
	Enabled bool

	// NextFireAt is the next due time. Maintained by the store on every fire
	// and recomputed on upsert.
	NextFireAt time.Time

	// LastFiredAt records the bucket of the most recent fire; zero when the
	// schedule has never fired.
	LastFiredAt time.Time

	// CreatedAt / UpdatedAt are storage-maintained timestamps.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks required fields and the cron expression.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrScheduleInvalid)
	}

	if s.Queue == "" || s.Kind == "" {
		return fmt.Errorf("%w: queue and kind are required", ErrScheduleInvalid)
	}

	if _, err := ParseSpec(s.Spec); err != nil {
		return err
	}

	return nil
}

// ParseSpec parses a cron expression in the form schedules use.
func ParseSpec(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidCronSpec)
	}

	parsed, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidCronSpec, spec, err)
	}

	return parsed, nil
}

// FireKey derives the deduplication key for one fire bucket. The key is
// stable across replicas and retries of the same bucket.
func FireKey(scheduleID string, bucket time.Time) string {
	return fmt.Sprintf("sched:%s:%d", scheduleID, bucket.Unix())
}
