package bridges

import (
	"regexp"
	"strconv"
	"strings"
)

// telegramRule rewrites one markdown construct. Rules run on text that is
// already HTML-escaped, in order.
type telegramRule struct {
	re   *regexp.Regexp
	repl string
}

var (
	reFencedCode = regexp.MustCompile("(?s)```\\w*\\n?(.*?)```")
	reInlineCode = regexp.MustCompile("`([^`\\n]+)`")
	reStashed    = regexp.MustCompile("\x00(\\d+)\x00")
	reHTMLTag    = regexp.MustCompile(`<[^>]+>`)

	telegramRules = []telegramRule{
		{regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`), "<b>$1</b>"},
		{regexp.MustCompile(`(?m)^&gt;\s?(.*)$`), "<blockquote>$1</blockquote>"},
		{regexp.MustCompile(`\[([^\]]+)\]\(([^)\s"]+)\)`), `<a href="$2">$1</a>`},
		{regexp.MustCompile(`\*\*(.+?)\*\*`), "<b>$1</b>"},
		{regexp.MustCompile(`__(.+?)__`), "<b>$1</b>"},
		{regexp.MustCompile(`(^|[^\pL\pN])_([^_]+)_([^\pL\pN]|$)`), "$1<i>$2</i>$3"},
		{regexp.MustCompile(`~~(.+?)~~`), "<s>$1</s>"},
		{regexp.MustCompile(`(?m)^[-*]\s+`), "• "},
	}
)

// codeStash holds rendered code spans while the inline rules run, so
// markdown inside code is left alone.
type codeStash []string

func (s *codeStash) hide(re *regexp.Regexp, text, open, close string) string {
	return re.ReplaceAllStringFunc(text, func(m string) string {
		*s = append(*s, open+htmlEscape(re.FindStringSubmatch(m)[1])+close)
		return "\x00" + strconv.Itoa(len(*s)-1) + "\x00"
	})
}

func (s codeStash) restore(text string) string {
	return reStashed.ReplaceAllStringFunc(text, func(m string) string {
		i, err := strconv.Atoi(strings.Trim(m, "\x00"))
		if err != nil || i >= len(s) {
			return m
		}
		return s[i]
	})
}

// markdownToTelegramHTML converts chat markdown into the HTML subset the Bot
// API accepts. Headers become bold lines.
func markdownToTelegramHTML(text string) string {
	var stash codeStash
	text = stash.hide(reFencedCode, text, "<pre><code>", "</code></pre>")
	text = stash.hide(reInlineCode, text, "<code>", "</code>")
	text = htmlEscape(text)
	for _, r := range telegramRules {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	return stash.restore(text)
}

func htmlEscape(s string) string {
	return htmlEscaper.Replace(s)
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// stripTags undoes markdownToTelegramHTML for the plain-text fallback.
func stripTags(html string) string {
	return htmlUnescaper.Replace(reHTMLTag.ReplaceAllString(html, ""))
}

var htmlUnescaper = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&")
