package slack

import (
	"context"

	"github.com/slack-go/slack"
)

type Client interface {
	PostMessageContext(ctx context.Context, channel string, options ...slack.MsgOption) (string, string, error)
}

type DummySlackClient struct{}

func (c DummySlackClient) PostMessageContext(ctx context.Context, channel string, options ...slack.MsgOption) (string, string, error) {
	return "", "", nil
}
