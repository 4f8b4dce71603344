package notify

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
	"time"

	"github.com/goccy/go-json"
	"github.com/nholik/exposure-sentinel/internal/transition"
	"github.com/rs/zerolog"
)

const defaultWebhookTemplate = `{"event":"{{ .Event }}","title":{{ toJson .Title }},"success":{{ .Success }},"requires_ack":{{ .RequiresAck }},"error":{{ toJson .Error }},"new_exposure_days":{{ toJson .Days }},"at":"{{ .At.Format "2006-01-02T15:04:05Z07:00" }}"}`

// WebhookPayload is the template context for webhook notifications.
type WebhookPayload struct {
	Event       string
	Title       string
	Success     bool
	RequiresAck bool
	Kind        string
	Error       string
	Days        []string
	Alert       *Alert
	At          time.Time
	GeneratedAt time.Time
}

// WebhookNotifier sends outcomes and alerts to a generic webhook.
type WebhookNotifier struct {
	logger   zerolog.Logger
	template *template.Template
	poster   *webhookPoster
	now      func() time.Time
}

// NewWebhookNotifier creates a webhook notifier with the provided template.
func NewWebhookNotifier(logger zerolog.Logger, webhookURL string, tmpl string) (*WebhookNotifier, error) {
	if webhookURL == "" {
		return nil, nil
	}
	if tmpl == "" {
		tmpl = defaultWebhookTemplate
	}

	parsed, err := template.New("webhook").Funcs(template.FuncMap{
		"toJson": func(v any) (string, error) {
			encoded, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(encoded), nil
		},
	}).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse webhook template: %w", err)
	}

	return &WebhookNotifier{
		logger:   logger,
		template: parsed,
		poster:   newWebhookPoster(logger, "webhook", webhookURL, "application/json", defaultTiming),
		now:      time.Now,
	}, nil
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, outcome Outcome) error {
	if n == nil || outcome.Quiet() {
		return nil
	}

	days := transition.Days(outcome.NewExposures)
	formatted := make([]string, 0, len(days))
	for _, day := range days {
		formatted = append(formatted, day.Format(time.DateOnly))
	}
	event := "exposures"
	title := fmt.Sprintf("%d new exposure(s) detected", len(outcome.NewExposures))
	if !outcome.Success {
		event = "failure"
		title = "Exposure detection failed"
	}

	return n.deliver(ctx, channelOutcome, WebhookPayload{
		Event:       event,
		Title:       title,
		Success:     outcome.Success,
		RequiresAck: outcome.RequiresAcknowledgment(),
		Kind:        outcome.Kind,
		Error:       outcome.Error,
		Days:        formatted,
		At:          outcome.At.UTC(),
	})
}

// Alert implements Notifier.
func (n *WebhookNotifier) Alert(ctx context.Context, alert Alert) error {
	if n == nil {
		return nil
	}
	return n.deliver(ctx, channelAlert, WebhookPayload{
		Event:       "alert",
		Title:       alert.Title,
		Success:     alert.Resolved,
		RequiresAck: !alert.Resolved,
		Days:        []string{},
		Alert:       &alert,
		At:          alert.At.UTC(),
	})
}

func (n *WebhookNotifier) deliver(ctx context.Context, channel string, payload WebhookPayload) error {
	payload.GeneratedAt = n.now().UTC()

	var buf bytes.Buffer
	if err := n.template.Execute(&buf, payload); err != nil {
		return fmt.Errorf("render webhook template: %w", err)
	}
	if err := n.poster.send(ctx, channel, buf.Bytes()); err != nil {
		return err
	}

	n.logger.Debug().Str("event", payload.Event).Msg("webhook notification sent")
	return nil
}
