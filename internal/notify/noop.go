package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// NoopNotifier drops outcomes and alerts, logging each at debug level.
type NoopNotifier struct {
	logger zerolog.Logger
	reason string
}

// NewNoop returns a notifier that discards everything. reason is logged once.
func NewNoop(logger zerolog.Logger, reason string) *NoopNotifier {
	if reason != "" {
		logger.Info().Msg(reason)
	}
	return &NoopNotifier{logger: logger, reason: reason}
}

// Notify implements Notifier.
func (n *NoopNotifier) Notify(_ context.Context, outcome Outcome) error {
	n.logger.Debug().
		Bool("success", outcome.Success).
		Int("new_exposures", len(outcome.NewExposures)).
		Msg("detection outcome dropped")
	return nil
}

// Alert implements Notifier.
func (n *NoopNotifier) Alert(_ context.Context, alert Alert) error {
	n.logger.Debug().Str("alert", alert.ID).Bool("resolved", alert.Resolved).Msg("alert dropped")
	return nil
}
