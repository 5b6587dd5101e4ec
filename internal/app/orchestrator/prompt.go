package orchestrator

import (
	"regexp"
	"strings"
	"time"

	"github.com/slok/codeclaw/internal/model"
)

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// FormatMessages renders the pending messages of a thread as the agent prompt:
//
//	<messages>
//	<message sender="alice" time="2024-01-02T03:04:05Z">hello</message>
//	</messages>
func FormatMessages(msgs []model.Message) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range msgs {
		b.WriteString(`<message sender="`)
		b.WriteString(xmlEscaper.Replace(m.Sender))
		b.WriteString(`" time="`)
		b.WriteString(m.Timestamp.UTC().Format(time.RFC3339))
		b.WriteString(`">`)
		b.WriteString(xmlEscaper.Replace(m.Content))
		b.WriteString("</message>\n")
	}
	b.WriteString("</messages>")
	return b.String()
}

var internalTagRegexp = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// StripInternal removes the agent `<internal>...</internal>` reasoning blocks from
// an outbound text. An empty result means there is nothing to post.
func StripInternal(text string) string {
	return strings.TrimSpace(internalTagRegexp.ReplaceAllString(text, ""))
}
