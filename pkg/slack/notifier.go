// Package slack posts run diagnoses to a Slack channel.
package slack

import (
	"context"
	"fmt"
	"net/http"

	"github.com/slack-go/slack"
)

// maxSectionChars is Slack's limit for the text of a section block.
const maxSectionChars = 3000

// Message is the diagnosis content posted to Slack.
type Message struct {
	RunID     string
	RunURL    string
	Status    string
	Model     string
	Diagnosis string
}

// Notifier posts diagnoses to one channel.
type Notifier struct {
	client  Client
	channel string
}

// NewNotifier creates a Notifier using a bot token.
func NewNotifier(token, channel string, httpClient *http.Client) *Notifier {
	options := []slack.Option{}
	if httpClient != nil {
		options = append(options, slack.OptionHTTPClient(httpClient))
	}
	return NewNotifierWithClient(slack.New(token, options...), channel)
}

// NewNotifierWithClient creates a Notifier around an existing client.
func NewNotifierWithClient(client Client, channel string) *Notifier {
	return &Notifier{client: client, channel: channel}
}

// Notify posts msg and returns the message timestamp.
func (n *Notifier) Notify(ctx context.Context, msg Message) (string, error) {
	fallbackText := slack.MsgOptionText(fmt.Sprintf("Diagnosis for Dagster run %s (%s)", msg.RunID, msg.Status), false)
	header := slack.MsgOptionBlocks(headerBlock(msg))
	attachment := slack.MsgOptionAttachments(slack.Attachment{
		Color:  statusColor(msg.Status),
		Blocks: slack.Blocks{BlockSet: BuildBlocks(msg)},
	})

	_, ts, err := n.client.PostMessageContext(ctx, n.channel, fallbackText, header, attachment)
	if err != nil {
		return "", fmt.Errorf("failed to post to %s: %w", n.channel, err)
	}
	return ts, nil
}

func headerBlock(msg Message) slack.Block {
	title := fmt.Sprintf("%s *Dagster run* `%s` *%s*", statusEmoji(msg.Status), msg.RunID, msg.Status)
	if msg.RunURL != "" {
		title = fmt.Sprintf("%s *Dagster run* <%s|%s> *%s*", statusEmoji(msg.Status), msg.RunURL, msg.RunID, msg.Status)
	}
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, title, false, false), nil, nil)
}

// BuildBlocks lays out the attachment body: the diagnosis split into sections
// that fit Slack's limit, followed by a context line naming the model.
func BuildBlocks(msg Message) []slack.Block {
	var blocks []slack.Block
	for _, chunk := range splitText(msg.Diagnosis, maxSectionChars) {
		text := slack.NewTextBlockObject(slack.MarkdownType, chunk, false, false)
		blocks = append(blocks, slack.NewSectionBlock(text, nil, nil))
	}

	if msg.Model != "" {
		model := slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("Diagnosed by `%s`", msg.Model), false, false)
		blocks = append(blocks, slack.NewContextBlock("", model))
	}
	return blocks
}

func statusEmoji(status string) string {
	switch status {
	case "SUCCESS":
		return ":white_check_mark:"
	case "FAILURE":
		return ":red_circle:"
	case "CANCELED", "CANCELING":
		return ":no_entry_sign:"
	default:
		return ":large_blue_circle:"
	}
}

func statusColor(status string) string {
	switch status {
	case "SUCCESS":
		return "good"
	case "FAILURE":
		return "danger"
	default:
		return "warning"
	}
}

// splitText cuts s into pieces of at most limit runes, preferring line breaks.
func splitText(s string, limit int) []string {
	runes := []rune(s)
	if len(runes) == 0 {
		return []string{"_No diagnosis text._"}
	}
	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return append(chunks, string(runes))
}
