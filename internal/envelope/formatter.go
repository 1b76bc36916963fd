// Package envelope renders inbound message bodies for the agent.
package envelope

import (
	"fmt"
	"strings"
	"time"

	"github.com/memohai/dingtalk-bridge/internal/channel"
	"github.com/memohai/dingtalk-bridge/internal/channel/inbound"
)

const timestampLayout = "2006-01-02 15:04 MST"

var defaultLabels = map[string]string{
	"dingtalk": "DingTalk",
}

// Formatter produces "[<Channel> <from> +<elapsed> <timestamp>] <body>".
// The elapsed marker appears only when the session has a previous message.
// Group bodies are prefixed with the sender name.
type Formatter struct {
	location *time.Location
	labels   map[string]string
}

// NewFormatter creates a formatter rendering timestamps in loc (UTC when nil).
func NewFormatter(loc *time.Location) *Formatter {
	if loc == nil {
		loc = time.UTC
	}
	labels := make(map[string]string, len(defaultLabels))
	for k, v := range defaultLabels {
		labels[k] = v
	}
	return &Formatter{location: loc, labels: labels}
}

// FormatInbound implements inbound.EnvelopeFormatter.
func (f *Formatter) FormatInbound(input inbound.EnvelopeInput) string {
	parts := []string{f.label(input.Channel)}
	if from := strings.TrimSpace(input.From); from != "" {
		parts = append(parts, from)
	}
	if !input.PreviousTimestamp.IsZero() && !input.Timestamp.IsZero() {
		parts = append(parts, "+"+FormatElapsed(input.Timestamp.Sub(input.PreviousTimestamp)))
	}
	if !input.Timestamp.IsZero() {
		parts = append(parts, input.Timestamp.In(f.location).Format(timestampLayout))
	}
	body := input.Body
	if input.ChatType == channel.ChatTypeGroup {
		if sender := strings.TrimSpace(input.SenderName); sender != "" {
			body = sender + ": " + body
		}
	}
	return "[" + strings.Join(parts, " ") + "] " + body
}

func (f *Formatter) label(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if label, ok := f.labels[key]; ok {
		return label
	}
	if key == "" {
		return "Channel"
	}
	return strings.ToUpper(key[:1]) + key[1:]
}

// FormatElapsed renders d in the largest whole unit: 45s, 12m, 3h, 2d.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d/time.Second))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	}
}
