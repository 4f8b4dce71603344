package notify

import (
	"context"

	"github.com/nholik/exposure-sentinel/internal/metrics"
)

// MultiNotifier fans out notifications to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
	metrics   *metrics.Metrics
}

// NewMultiNotifier creates a notifier that dispatches to all provided notifiers.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	filtered := make([]Notifier, 0, len(notifiers))
	for _, notifier := range notifiers {
		if notifier == nil {
			continue
		}
		filtered = append(filtered, notifier)
	}
	return &MultiNotifier{notifiers: filtered}
}

// WithMetrics counts every delivery attempt by result.
func (m *MultiNotifier) WithMetrics(metricsCollector *metrics.Metrics) *MultiNotifier {
	m.metrics = metricsCollector
	return m
}

// Notify implements Notifier.
func (m *MultiNotifier) Notify(ctx context.Context, outcome Outcome) error {
	return m.each(func(n Notifier) error { return n.Notify(ctx, outcome) })
}

// Alert implements Notifier.
func (m *MultiNotifier) Alert(ctx context.Context, alert Alert) error {
	return m.each(func(n Notifier) error { return n.Alert(ctx, alert) })
}

func (m *MultiNotifier) each(send func(Notifier) error) error {
	var firstErr error
	for _, notifier := range m.notifiers {
		if err := send(notifier); err != nil {
			m.metrics.IncNotifications("failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.metrics.IncNotifications("sent")
	}
	return firstErr
}
