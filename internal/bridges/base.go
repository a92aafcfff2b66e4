// Package bridges implements the platform adapters and the inbound paths
// that turn operator activity into bus events.
package bridges

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/crystaldolphin/pingbridge/internal/bus"
	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// Per-platform message length limits used for chunking.
const (
	telegramMaxMsgLen = 4000
	discordMaxMsgLen  = 2000
	slackMaxMsgLen    = 3000

	quoteLen = 100
)

// DefaultHTTPTimeout bounds every platform call.
const DefaultHTTPTimeout = 30 * time.Second

// Sink receives normalized operator events.
type Sink interface {
	Publish(ctx context.Context, ev bus.OperatorEvent) error
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}

// splitMessage splits content into chunks that fit within maxLen,
// preferring newline breaks, then space breaks, then a hard cut.
func splitMessage(content string, maxLen int) []string {
	var chunks []string
	for len(content) > maxLen {
		window := content[:maxLen]
		pos := strings.LastIndexByte(window, '\n')
		if pos <= 0 {
			pos = strings.LastIndexByte(window, ' ')
		}
		if pos <= 0 {
			pos = runeCut(content, maxLen)
		}
		chunks = append(chunks, content[:pos])
		content = strings.TrimLeft(content[pos:], " \t\n")
	}
	if content != "" || len(chunks) == 0 {
		chunks = append(chunks, content)
	}
	return chunks
}

// runeCut returns the largest cut at or below n that does not split a
// UTF-8 sequence, and never less than the first rune.
func runeCut(s string, n int) int {
	pos := n
	for pos > 0 && !utf8.RuneStart(s[pos]) {
		pos--
	}
	if pos == 0 {
		_, size := utf8.DecodeRuneInString(s)
		pos = size
	}
	return pos
}

// sessionFacts lists the visitor details worth showing operators, in a
// stable order. Empty values are skipped.
func sessionFacts(sess *schema.Session) [][2]string {
	var out [][2]string
	add := func(k, v string) {
		if v != "" {
			out = append(out, [2]string{k, v})
		}
	}
	if id := sess.Identity; id != nil {
		add("Name", id.Name)
		add("Email", id.Email)
		add("Phone", id.Phone)
		add("User ID", id.ID)
	}
	if md := sess.Metadata; md != nil {
		add("Page", md.URL)
		add("Referrer", md.Referrer)
		location := joinNonEmpty([]string{md.City, md.Country}, ", ")
		add("Location", location)
		add("Device", joinNonEmpty([]string{md.DeviceType, md.Browser, md.OS}, " · "))
		add("Language", md.Language)
	}
	add("Session", sess.ID)
	return out
}

func joinNonEmpty(parts []string, sep string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}

// prettyJSON renders custom event data for display; unknown values fall
// back to fmt.
func prettyJSON(data map[string]any) string {
	if len(data) == 0 {
		return "{}"
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprint(data)
	}
	return string(b)
}

// sortedKeys returns the keys of m in order so rendered fields are stable.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// attachmentLines renders attachments as "name: url" lines.
func attachmentLines(atts []schema.Attachment) []string {
	lines := make([]string, 0, len(atts))
	for _, a := range atts {
		name := a.Filename
		if name == "" {
			name = "file"
		}
		lines = append(lines, name+": "+a.URL)
	}
	return lines
}

// operatorLabel is the author line for mirrored operator replies.
func operatorLabel(name string, source schema.Platform) string {
	if name == "" {
		name = "Operator"
	}
	if source == "" {
		return name
	}
	return name + " (via " + string(source) + ")"
}

func senderLabel(s schema.Sender) string {
	switch s {
	case schema.SenderOperator:
		return "Operator"
	case schema.SenderAI:
		return "AI"
	case schema.SenderSystem:
		return "System"
	}
	return "Visitor"
}

// messageAuthor names who wrote msg for the thread header.
func messageAuthor(msg *schema.Message, sess *schema.Session) string {
	if msg.Sender == schema.SenderVisitor || msg.Sender == "" {
		return sess.DisplayName()
	}
	return senderLabel(msg.Sender)
}

// replyQuote is the text shown when a platform cannot reference the
// replied-to message natively.
func replyQuote(reply *schema.ReplyContext) string {
	if reply.Deleted {
		return "(deleted message)"
	}
	return senderLabel(reply.Sender) + ": " + truncateRunes(reply.Quote, quoteLen)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
