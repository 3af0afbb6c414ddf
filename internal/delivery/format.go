package delivery

import (
	"fmt"
	"html"
	"strings"

	"github.com/onsite-teams/salesintel/internal/model"
)

const (
	header    = "📬 ONSITE"
	separator = "─────────────────"

	maxTitleLen      = 200
	maxBodyLen       = 3500
	maxBatchTitleLen = 120
	maxSubjectLen    = 150
)

// Format renders an alert as the plain-text chat message shared by every
// channel.
func Format(a model.Alert) string {
	title := a.Title
	if title == "" {
		title = a.Message
	}
	if title == "" {
		title = "Alert"
	}
	title = truncate(title, maxTitleLen)
	body := strings.TrimSpace(a.Message)
	agent := strings.TrimSpace(a.Agent)

	sev := a.Severity
	if sev == "" {
		sev = model.SeverityMedium
	}

	lines := []string{
		header,
		separator,
		fmt.Sprintf("%s [%s] %s", emoji(sev), strings.ToUpper(string(sev)), title),
		separator,
	}
	if body != "" && body != title {
		lines = append(lines, truncate(body, maxBodyLen))
	}
	if agent != "" && agent != "system" {
		lines = append(lines, "", "👤 "+agent)
	}
	return strings.Join(lines, "\n")
}

// Subject builds the email subject for an alert.
func Subject(a model.Alert) string {
	title := a.Title
	if title == "" {
		title = a.Message
	}
	if title == "" {
		title = "Smart Alert"
	}
	return "[Onsite Alert] " + truncate(title, maxSubjectLen)
}

// EmailHTML wraps plain text in the minimal mail template.
func EmailHTML(text string) string {
	body := strings.ReplaceAll(html.EscapeString(text), "\n", "<br>\n")
	return "<div style='font-family: sans-serif; max-width: 600px;'><pre style='white-space: pre-wrap;'>" +
		body + "</pre></div>"
}

// FormatBatch merges alerts into one summary message of at most limit runes.
// At most maxItems alerts are listed; the rest are counted in a trailing
// "… and N more." line. A non-positive limit means no bound.
func FormatBatch(alerts []model.Alert, maxItems, limit int) string {
	if len(alerts) == 0 {
		return ""
	}
	if maxItems <= 0 || maxItems > len(alerts) {
		maxItems = len(alerts)
	}
	for n := maxItems; n >= 0; n-- {
		text := renderBatch(alerts, n)
		if limit <= 0 || runeLen(text) <= limit {
			return text
		}
	}
	// Not even the frame fits: the count line survives, the header is cut.
	more := moreLine(len(alerts))
	room := limit - runeLen(more) - 1
	if room <= 0 {
		return truncate(more, limit)
	}
	return truncate(renderBatch(alerts, 0), room) + "\n" + more
}

func moreLine(n int) string { return fmt.Sprintf("… and %d more.", n) }

func renderBatch(alerts []model.Alert, shown int) string {
	lines := []string{
		header,
		"📋 Smart Alerts Summary",
		separator,
		fmt.Sprintf("You have %d new alert(s).", len(alerts)),
		"",
	}
	for _, a := range alerts[:shown] {
		title := a.Title
		if title == "" {
			title = a.Message
		}
		if title == "" {
			title = "Alert"
		}
		em := "•"
		if a.Severity != "" {
			em = emoji(a.Severity)
		}
		lines = append(lines, em+" "+truncate(title, maxBatchTitleLen))
	}
	if rest := len(alerts) - shown; rest > 0 {
		lines = append(lines, moreLine(rest))
	}
	lines = append(lines, "", separator, "View all in app → Alerts")
	return strings.Join(lines, "\n")
}

func emoji(s model.Severity) string {
	switch s {
	case model.SeverityCritical, model.SeverityHigh, model.SeverityMedium, model.SeverityLow, model.SeverityInfo:
		return s.Emoji()
	default:
		return "🔔"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func runeLen(s string) int { return len([]rune(s)) }
