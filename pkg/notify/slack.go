package notify

import (
	"context"

	"github.com/nakamasato/dagster-diagnostic-agent/pkg/slack"
)

// SlackSink posts the diagnosis to a Slack channel.
type SlackSink struct {
	notifier *slack.Notifier
}

func NewSlackSink(notifier *slack.Notifier) *SlackSink {
	return &SlackSink{notifier: notifier}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Send(ctx context.Context, result Result) error {
	_, err := s.notifier.Notify(ctx, slack.Message{
		RunID:     result.RunID,
		RunURL:    result.RunURL,
		Status:    result.Status,
		Model:     result.Model,
		Diagnosis: result.Diagnosis,
	})
	return err
}
