package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// DryRunNotifier logs notifications without sending them.
type DryRunNotifier struct {
	logger zerolog.Logger
	inner  Notifier
}

// NewDryRunNotifier returns a notifier that suppresses delivery and logs instead.
func NewDryRunNotifier(logger zerolog.Logger, inner Notifier) *DryRunNotifier {
	return &DryRunNotifier{logger: logger, inner: inner}
}

// Notify implements Notifier.
func (n *DryRunNotifier) Notify(_ context.Context, outcome Outcome) error {
	if outcome.Quiet() {
		return nil
	}
	n.logger.Info().
		Bool("success", outcome.Success).
		Str("kind", outcome.Kind).
		Str("error", outcome.Error).
		Int("new_exposures", len(outcome.NewExposures)).
		Bool("requires_ack", outcome.RequiresAcknowledgment()).
		Msg("[DRY-RUN] Would notify")
	return nil
}

// Alert implements Notifier.
func (n *DryRunNotifier) Alert(_ context.Context, alert Alert) error {
	n.logger.Info().
		Str("alert", alert.ID).
		Str("title", alert.Title).
		Bool("resolved", alert.Resolved).
		Msg("[DRY-RUN] Would alert")
	return nil
}
