/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L1
Logic:       Slack webhook notifier for failed evaluation results.
Root Cause:  Sprint task G091 — evaluation alerting.
Suitability: L1 — thin wrapper over a webhook client.
──────────────────────────────────────────────────────────────
*/

package evaluation

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
)

// SlackNotifier posts failed evaluation results to a Slack incoming
// webhook.
type SlackNotifier struct {
	webhookURL string
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL}
}

func (n *SlackNotifier) Notify(ctx context.Context, result Result, ruleSet RuleSet) error {
	if n.webhookURL == "" {
		return nil
	}

	var failures strings.Builder
	for _, f := range result.Failures {
		failures.WriteString("• ")
		failures.WriteString(f)
		failures.WriteString("\n")
	}

	msg := &slack.WebhookMessage{
		Attachments: []slack.Attachment{
			{
				Color: "danger",
				Title: fmt.Sprintf("Evaluation failed: %s", ruleSet.Name),
				Text: fmt.Sprintf("Request `%s` scored %.2f (min %.2f)\n%s",
					result.RequestID, result.Score, ruleSet.MinScore, failures.String()),
			},
		},
	}
	return slack.PostWebhookContext(ctx, n.webhookURL, msg)
}
