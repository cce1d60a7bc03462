package notify

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/finsight/conductor/pkg/events"
)

const maxBlockTextLength = 2900

var stateEmoji = map[events.SessionState]string{
	events.SessionCompleted: ":white_check_mark:",
	events.SessionFailed:    ":x:",
	events.SessionCancelled: ":no_entry_sign:",
}

var stateLabel = map[events.SessionState]string{
	events.SessionCompleted: "Analysis Complete",
	events.SessionFailed:    "Analysis Failed",
	events.SessionCancelled: "Analysis Cancelled",
}

func sessionURL(sessionID, dashboardURL string) string {
	return fmt.Sprintf("%s/analyses/%s", dashboardURL, sessionID)
}

// BuildStartedMessage creates Block Kit blocks for an analysis start notification.
func BuildStartedMessage(sessionID, dashboardURL string) []goslack.Block {
	url := sessionURL(sessionID, dashboardURL)
	text := fmt.Sprintf(":arrows_counterclockwise: *Analysis started* — this may take a few minutes.\n<%s|View in Dashboard>", url)

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

// BuildTerminalMessage creates Block Kit blocks for a terminal analysis notification.
func BuildTerminalMessage(sessionID string, state events.SessionState, reason, dashboardURL string) []goslack.Block {
	emoji := stateEmoji[state]
	if emoji == "" {
		emoji = ":question:"
	}
	label := stateLabel[state]
	if label == "" {
		label = "Analysis " + string(state)
	}

	headerText := fmt.Sprintf("%s *%s*", emoji, label)
	if state != events.SessionCompleted && reason != "" {
		headerText += fmt.Sprintf("\n\n*Reason:*\n%s", truncateForSlack(reason))
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		),
	}

	buttonText := "View Full Analysis"
	if state != events.SessionCompleted {
		buttonText = "View Details"
	}

	btn := goslack.NewButtonBlockElement("", "", goslack.NewTextBlockObject(goslack.PlainTextType, buttonText, false, false))
	btn.URL = sessionURL(sessionID, dashboardURL)
	blocks = append(blocks, goslack.NewActionBlock("", btn))

	return blocks
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated — view full details in dashboard)_"
}
