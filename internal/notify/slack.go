package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nholik/exposure-sentinel/internal/exposure"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

const (
	slackMaxBlocks = 50
	// slackReservedBlocks accounts for header block + context block in each message
	slackReservedBlocks = 2
	slackMaxDays        = slackMaxBlocks - slackReservedBlocks
)

// SlackNotifier posts outcomes and alerts to a Slack incoming webhook.
type SlackNotifier struct {
	logger zerolog.Logger
	timing timingConfig
	poster *webhookPoster
}

// SlackOption customizes SlackNotifier behavior.
type SlackOption func(*SlackNotifier)

// WithSlackTiming overrides timing parameters (primarily for testing).
func WithSlackTiming(rateInterval time.Duration, rateBurst int, backoffInitial, backoffMax, backoffMaxElapsed time.Duration) SlackOption {
	return func(s *SlackNotifier) {
		s.timing.rateInterval = rateInterval
		s.timing.rateBurst = rateBurst
		s.timing.backoffInitial = backoffInitial
		s.timing.backoffMax = backoffMax
		s.timing.backoffMaxElapsed = backoffMaxElapsed
	}
}

// NewSlackNotifier creates a Slack notifier or a noop notifier when the webhook is empty.
func NewSlackNotifier(logger zerolog.Logger, webhookURL string, opts ...SlackOption) Notifier {
	if webhookURL == "" {
		return NewNoop(logger, "slack webhook not configured; notifications disabled")
	}

	notifier := &SlackNotifier{
		logger: logger,
		timing: defaultTiming,
	}
	for _, opt := range opts {
		opt(notifier)
	}
	notifier.poster = newWebhookPoster(logger, "slack", webhookURL, "application/json", notifier.timing)

	return notifier
}

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, outcome Outcome) error {
	if outcome.Quiet() {
		return nil
	}
	messages := buildOutcomeMessages(outcome)
	if err := n.post(ctx, channelOutcome, messages); err != nil {
		return err
	}

	n.logger.Debug().
		Bool("success", outcome.Success).
		Int("new_exposures", len(outcome.NewExposures)).
		Int("messages", len(messages)).
		Msg("slack notification sent")
	return nil
}

// Alert implements Notifier.
func (n *SlackNotifier) Alert(ctx context.Context, alert Alert) error {
	if err := n.post(ctx, channelAlert, []slack.WebhookMessage{buildAlertMessage(alert)}); err != nil {
		return err
	}
	n.logger.Debug().Str("alert", alert.ID).Bool("resolved", alert.Resolved).Msg("slack alert sent")
	return nil
}

func (n *SlackNotifier) post(ctx context.Context, channel string, messages []slack.WebhookMessage) error {
	payloads := make([][]byte, 0, len(messages))
	for _, message := range messages {
		payload, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("marshal slack payload: %w", err)
		}
		payloads = append(payloads, payload)
	}
	return n.poster.send(ctx, channel, payloads...)
}

func (n *SlackNotifier) postOnce(ctx context.Context, payload []byte) error {
	return n.poster.postOnce(ctx, payload)
}

// dayCount is the number of new exposures on one calendar day.
type dayCount struct {
	day   time.Time
	count int
}

func countByDay(exposures []exposure.Exposure) []dayCount {
	sorted := append([]exposure.Exposure(nil), exposures...)
	exposure.SortByDate(sorted)

	var counts []dayCount
	for _, e := range sorted {
		day := exposure.Day(e.Date)
		if len(counts) > 0 && counts[len(counts)-1].day.Equal(day) {
			counts[len(counts)-1].count++
			continue
		}
		counts = append(counts, dayCount{day: day, count: 1})
	}
	return counts
}

func buildOutcomeMessages(outcome Outcome) []slack.WebhookMessage {
	if !outcome.Success {
		return []slack.WebhookMessage{buildFailureMessage(outcome)}
	}

	days := countByDay(outcome.NewExposures)
	if len(days) == 0 {
		return nil
	}
	chunkTotal := (len(days) + slackMaxDays - 1) / slackMaxDays
	messages := make([]slack.WebhookMessage, 0, chunkTotal)
	for i := 0; i < len(days); i += slackMaxDays {
		end := min(i+slackMaxDays, len(days))
		partIndex := (i / slackMaxDays) + 1
		messages = append(messages, buildExposureMessage(outcome, days[i:end], partIndex, chunkTotal))
	}
	return messages
}

func buildExposureMessage(outcome Outcome, days []dayCount, partIndex, partTotal int) slack.WebhookMessage {
	summary := fmt.Sprintf("%d new exposure(s) detected", len(outcome.NewExposures))
	if partTotal > 1 {
		summary = fmt.Sprintf("%s (part %d/%d)", summary, partIndex, partTotal)
	}
	header := slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", summary, false, false))
	contextBlock := slack.NewContextBlock("", outcomeContext(outcome, partIndex, partTotal)...)

	blocks := []slack.Block{header, contextBlock}
	for _, day := range days {
		text := fmt.Sprintf("*%s*: %d exposure(s)", day.day.Format(time.DateOnly), day.count)
		blocks = append(blocks, slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", text, false, false), nil, nil))
	}

	blockSet := slack.Blocks{BlockSet: blocks}
	return slack.WebhookMessage{Text: summary, Blocks: &blockSet}
}

func buildFailureMessage(outcome Outcome) slack.WebhookMessage {
	summary := "Exposure detection failed"
	if outcome.Kind != "" {
		summary = fmt.Sprintf("%s (%s)", summary, outcome.Kind)
	}
	header := slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", summary, false, false))
	contextBlock := slack.NewContextBlock("", outcomeContext(outcome, 1, 1)...)

	detail := outcome.Error
	if detail == "" {
		detail = "unknown error"
	}
	section := slack.NewSectionBlock(
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Error:*\n```%s```", detail), false, false),
		[]*slack.TextBlockObject{
			slack.NewTextBlockObject("mrkdwn", "*Action:*\nAcknowledge and check the key service", false, false),
		},
		nil,
	)

	blockSet := slack.Blocks{BlockSet: []slack.Block{header, contextBlock, section}}
	return slack.WebhookMessage{Text: summary, Blocks: &blockSet}
}

func outcomeContext(outcome Outcome, partIndex, partTotal int) []slack.MixedElement {
	elements := []slack.MixedElement{
		slack.NewTextBlockObject("mrkdwn", "At: "+formatTime(outcome.At), false, false),
	}
	if outcome.RequiresAcknowledgment() {
		elements = append(elements, slack.NewTextBlockObject("mrkdwn", "*Requires acknowledgment*", false, false))
	}
	if partTotal > 1 {
		elements = append(elements, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Batch: %d/%d", partIndex, partTotal), false, false))
	}
	return elements
}

func buildAlertMessage(alert Alert) slack.WebhookMessage {
	title := alert.Title
	if alert.Resolved {
		title = "Resolved: " + title
	}
	header := slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", title, false, false))
	blocks := []slack.Block{header}
	if alert.Body != "" {
		blocks = append(blocks, slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", alert.Body, false, false), nil, nil))
	}
	blocks = append(blocks, slack.NewContextBlock("",
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Alert: `%s` at %s", alert.ID, formatTime(alert.At)), false, false),
	))

	blockSet := slack.Blocks{BlockSet: blocks}
	return slack.WebhookMessage{Text: title, Blocks: &blockSet}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format(time.RFC3339)
}
