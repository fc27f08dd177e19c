package notify

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	slacklib "github.com/slack-go/slack"
)

// slackPoster is the subset of the Slack client the alerter uses.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slacklib.MsgOption) (string, string, error)
}

// OpsAlerter pushes security events (anomaly blocks, repeated webhook
// rejections) to an operations Slack channel. A nil alerter is valid and
// drops everything, so callers never need to branch on configuration.
type OpsAlerter struct {
	api     slackPoster
	channel string
}

func NewOpsAlerter(token, channel string) *OpsAlerter {
	if token == "" {
		return nil
	}
	return &OpsAlerter{api: slacklib.New(token), channel: channel}
}

// NewOpsAlerterWithClient injects the Slack API, for tests.
func NewOpsAlerterWithClient(api slackPoster, channel string) *OpsAlerter {
	return &OpsAlerter{api: api, channel: channel}
}

// SecurityAlert posts one alert. Failures are logged and swallowed: alerting
// must never affect request handling.
func (a *OpsAlerter) SecurityAlert(ctx context.Context, title string, fields map[string]string) {
	if a == nil {
		return
	}

	text := ":rotating_light: *" + title + "*"
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		text += fmt.Sprintf("\n• %s: `%s`", k, fields[k])
	}

	if _, _, err := a.api.PostMessageContext(ctx, a.channel, slacklib.MsgOptionText(text, false)); err != nil {
		log.Error().Err(err).Str("channel", a.channel).Msg("notify: security alert post failed")
	}
}
