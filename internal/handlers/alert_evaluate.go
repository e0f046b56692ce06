package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/revlens-io/revlens/internal/notify"
	"github.com/revlens-io/revlens/internal/queue"
	"github.com/revlens-io/revlens/internal/storage"
)

// Alert rule types.
const (
	RuleThreshold     = "threshold"
	RulePercentChange = "percent_change"
	RuleAnomaly       = "anomaly"
)

// anomalySamples is the number of trailing baseline windows used to estimate
// the metric's mean and spread for the anomaly rule.
const anomalySamples = 8

// AlertEvaluatePayload names the alert definition to evaluate.
type AlertEvaluatePayload struct {
	AlertID string `json:"alert_id"`
}

// AlertDeliveryResult is the per-channel outcome of a triggered alert.
type AlertDeliveryResult struct {
	Channel string `json:"channel"`
	Status  string `json:"status"`
}

// AlertEvaluateResult reports the evaluation outcome.
type AlertEvaluateResult struct {
	AlertID       string                `json:"alert_id"`
	State         string                `json:"state"`
	CurrentValue  float64               `json:"current_value"`
	BaselineValue float64               `json:"baseline_value"`
	TestValue     float64               `json:"test_value"`
	Deliveries    []AlertDeliveryResult `json:"deliveries,omitempty"`
}

// AlertEvaluate fetches the alert's metric over its current and baseline
// windows, applies the configured rule, and on trigger dispatches to every
// configured channel, recording a notification row per channel. Evaluations
// of disabled alerts are skipped without touching the alert's state.
func (s *Set) AlertEvaluate(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	var payload AlertEvaluatePayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	if payload.AlertID == "" {
		return nil, queue.Permanent(fmt.Errorf("%w: alert_id is required", ErrBadPayload))
	}

	alert, err := s.deps.Deliveries.GetAlert(ctx, payload.AlertID)
	if errors.Is(err, storage.ErrAlertNotFound) {
		return nil, queue.Permanent(fmt.Errorf("alert %s was deleted: %w", payload.AlertID, err))
	}
	if err != nil {
		return nil, fmt.Errorf("load alert %s: %w", payload.AlertID, err)
	}

	if !alert.Enabled {
		s.logger.Info("alert disabled, skipping evaluation", slog.String("alert_id", alert.ID))
		return json.Marshal(AlertEvaluateResult{AlertID: alert.ID, State: "disabled"})
	}
	if !s.deps.Deliveries.MetricRegistered(alert.MetricName) {
		return nil, queue.Permanent(fmt.Errorf("alert %s: %w: %q", alert.ID, storage.ErrMetricUnknown, alert.MetricName))
	}

	now := time.Now().UTC()
	eval, err := s.evaluateRule(ctx, alert, now)
	if err != nil {
		return nil, err
	}

	triggered, err := compare(alert.Comparator, eval.value, alert.Threshold)
	if err != nil {
		return nil, queue.Permanent(fmt.Errorf("alert %s: %w", alert.ID, err))
	}

	state := storage.AlertStateOK
	if triggered {
		state = storage.AlertStateTriggered
	}
	if err := s.deps.Deliveries.RecordAlertEvaluation(ctx, alert.ID, state); err != nil {
		return nil, fmt.Errorf("record evaluation for alert %s: %w", alert.ID, err)
	}

	result := AlertEvaluateResult{
		AlertID:       alert.ID,
		State:         state,
		CurrentValue:  eval.current,
		BaselineValue: eval.baseline,
		TestValue:     eval.value,
	}

	if triggered {
		deliveries, err := s.dispatchAlert(ctx, alert, eval, now)
		if err != nil {
			return nil, err
		}
		result.Deliveries = deliveries
	}

	s.logger.Info("alert evaluated",
		slog.String("alert_id", alert.ID),
		slog.String("state", state),
		slog.Float64("current", eval.current),
		slog.Float64("test_value", eval.value))

	return json.Marshal(result)
}

// evaluation carries the metric readings and the derived quantity the rule
// compares against the alert's threshold.
type evaluation struct {
	current  float64
	baseline float64
	value    float64
}

func (s *Set) evaluateRule(ctx context.Context, alert *storage.Alert, now time.Time) (evaluation, error) {
	window := alert.BaselineWindow

	// The current reading always queries the warehouse: its window ends at
	// now and never repeats. Baselines read the completed buckets behind the
	// window edge, whose values no longer move, so those readings come from
	// the result cache and repeat across evaluations and alerts.
	current, err := s.deps.Deliveries.MetricValue(ctx, alert.MetricName, alert.TenantID, now.Add(-window), now)
	if err != nil {
		return evaluation{}, fmt.Errorf("read metric %s for alert %s: %w", alert.MetricName, alert.ID, err)
	}

	edge := now.Truncate(window)

	switch alert.RuleType {
	case RuleThreshold:
		baseline, err := s.cachedMetricValue(ctx, alert.MetricName, alert.TenantID, edge.Add(-window), edge)
		if err != nil {
			return evaluation{}, fmt.Errorf("read baseline for alert %s: %w", alert.ID, err)
		}
		return evaluation{current: current, baseline: baseline, value: current}, nil

	case RulePercentChange:
		baseline, err := s.cachedMetricValue(ctx, alert.MetricName, alert.TenantID, edge.Add(-window), edge)
		if err != nil {
			return evaluation{}, fmt.Errorf("read baseline for alert %s: %w", alert.ID, err)
		}
		return evaluation{current: current, baseline: baseline, value: percentChange(current, baseline)}, nil

	case RuleAnomaly:
		samples := make([]float64, 0, anomalySamples)
		for k := 1; k <= anomalySamples; k++ {
			start := edge.Add(-time.Duration(k) * window)
			end := edge.Add(-time.Duration(k-1) * window)
			sample, err := s.cachedMetricValue(ctx, alert.MetricName, alert.TenantID, start, end)
			if err != nil {
				return evaluation{}, fmt.Errorf("read anomaly sample %d for alert %s: %w", k, alert.ID, err)
			}
			samples = append(samples, sample)
		}
		mean, stddev := meanStddev(samples)
		z := 0.0
		if stddev > 0 {
			z = (current - mean) / stddev
		}
		return evaluation{current: current, baseline: mean, value: z}, nil

	default:
		return evaluation{}, queue.Permanent(fmt.Errorf("alert %s: unsupported rule type %q", alert.ID, alert.RuleType))
	}
}

func (s *Set) dispatchAlert(ctx context.Context, alert *storage.Alert, eval evaluation, now time.Time) ([]AlertDeliveryResult, error) {
	msg := &notify.Message{
		TenantID:      alert.TenantID,
		AlertID:       alert.ID,
		AlertName:     alert.Name,
		MetricName:    alert.MetricName,
		RuleType:      alert.RuleType,
		Severity:      severityFor(eval.value, alert.Threshold),
		CurrentValue:  eval.current,
		BaselineValue: eval.baseline,
		Threshold:     alert.Threshold,
		Summary:       alertSummary(alert, eval),
		TriggeredAt:   now,
	}

	deliveries := s.deps.Notifier.Dispatch(ctx, msg, alert.Channels)
	results := make([]AlertDeliveryResult, 0, len(deliveries))
	for _, delivery := range deliveries {
		notification := &storage.AlertNotification{
			AlertID:      alert.ID,
			TenantID:     alert.TenantID,
			Channel:      delivery.Channel,
			Status:       delivery.Status,
			Message:      msg.Summary,
			DispatchedAt: now,
		}
		if delivery.Err != nil {
			notification.ErrorMessage = delivery.Err.Error()
		}
		if err := s.deps.Deliveries.InsertAlertNotification(ctx, notification); err != nil {
			return nil, fmt.Errorf("record notification for alert %s on %s: %w", alert.ID, delivery.Channel, err)
		}
		results = append(results, AlertDeliveryResult{Channel: delivery.Channel, Status: delivery.Status})
	}
	return results, nil
}

// infinitePercent stands in for a change off a zero baseline. Finite so
// results and notification payloads marshal cleanly, large enough to clear
// any sane threshold.
const infinitePercent = 1e9

// percentChange returns the percentage move from baseline to current.
func percentChange(current, baseline float64) float64 {
	if baseline == 0 {
		if current == 0 {
			return 0
		}
		return math.Copysign(infinitePercent, current)
	}
	return (current - baseline) / baseline * 100
}

func meanStddev(samples []float64) (float64, float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	mean := sum / float64(len(samples))

	var sq float64
	for _, v := range samples {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(samples)))
}

func compare(comparator string, value, threshold float64) (bool, error) {
	switch comparator {
	case "gt":
		return value > threshold, nil
	case "gte":
		return value >= threshold, nil
	case "lt":
		return value < threshold, nil
	case "lte":
		return value <= threshold, nil
	default:
		return false, fmt.Errorf("unsupported comparator %q", comparator)
	}
}

// severityFor grades a trigger by how far past the threshold the value
// landed: beyond the threshold by its own magnitude again is critical.
func severityFor(value, threshold float64) string {
	if threshold != 0 && math.Abs(value-threshold) >= math.Abs(threshold) {
		return notify.SeverityCritical
	}
	return notify.SeverityWarning
}

func alertSummary(alert *storage.Alert, eval evaluation) string {
	switch alert.RuleType {
	case RulePercentChange:
		return fmt.Sprintf("%s changed %.1f%% against baseline %.2f (threshold %s %.1f%%)",
			alert.MetricName, eval.value, eval.baseline, alert.Comparator, alert.Threshold)
	case RuleAnomaly:
		return fmt.Sprintf("%s at %.2f deviates %.2f sigma from trailing mean %.2f (threshold %s %.1f)",
			alert.MetricName, eval.current, eval.value, eval.baseline, alert.Comparator, alert.Threshold)
	default:
		return fmt.Sprintf("%s at %.2f crossed threshold %s %.2f (baseline %.2f)",
			alert.MetricName, eval.current, alert.Comparator, alert.Threshold, eval.baseline)
	}
}
