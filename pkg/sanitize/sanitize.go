// Package sanitize turns status HTML into plain text for a language model.
package sanitize

import (
	"html"
	"regexp"
	"strings"
)

// word mirrors a Unicode-aware \w so handles like @jürgen are removed whole.
const word = `[\p{L}\p{N}_]`

var (
	mentionPattern = regexp.MustCompile(`@` + word + `+(?:@[-.\p{L}\p{N}_]+)?`)
	hashtagPattern = regexp.MustCompile(`#` + word + `+`)
	tagPattern     = regexp.MustCompile(`<[^>]+>`)
)

// Text decodes entities, drops @-mentions, #-hashtags and every <...> span,
// and collapses whitespace. An empty result means the status had no usable
// content. Text is idempotent: passes repeat until the text is stable, since
// removing a tag can rejoin a split entity ("&<b>amp;") or token.
func Text(raw string) string {
	text := raw
	for {
		next := clean(text)
		if next == text {
			return text
		}
		// Every pass that changes the text either shortens it or only
		// normalizes whitespace, so this terminates.
		text = next
	}
}

func clean(text string) string {
	text = unescape(text)
	text = stripTokens(text)
	text = tagPattern.ReplaceAllString(text, "")
	// Tag removal can glue a bare "@" or "#" to the following word, as in
	// Mastodon's "@<span>name</span>" mention markup.
	text = stripTokens(text)
	return strings.Join(strings.Fields(text), " ")
}

func unescape(text string) string {
	for {
		next := html.UnescapeString(text)
		if next == text {
			return text
		}
		text = next
	}
}

func stripTokens(text string) string {
	text = mentionPattern.ReplaceAllString(text, "")
	return hashtagPattern.ReplaceAllString(text, "")
}
