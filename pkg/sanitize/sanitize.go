// Package sanitize provides contextual cleansing for externally-sourced and
// generated text. Three contexts exist: Ingress (forum content before prompt
// injection), Listing (generated content before storefront upload), and Store
// (any external text before a database write). All three are pure and
// idempotent.
package sanitize

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// ASCII control characters except LF, DEL included.
	controlChars = regexp.MustCompile(`[\x00-\x09\x0b-\x1f\x7f]`)

	scriptBlock   = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	dangerousOpen = regexp.MustCompile(`(?i)<(script|iframe|object|embed|form|base)\b[^>]*>`)
	dangerousEnd  = regexp.MustCompile(`(?i)</(script|iframe|object|embed|form|base)>`)
	eventAttr     = regexp.MustCompile(`(?i)\s*\bon\w+\s*=\s*("[^"]*"|'[^']*'|[^\s>]*)`)
	jsScheme      = regexp.MustCompile(`(?i)javascript\s*:`)
	dataHTML      = regexp.MustCompile(`(?i)data\s*:\s*text/html`)

	// An already-encoded entity; kept intact so escaping stays idempotent.
	entity = regexp.MustCompile(`&(#[0-9]+|#x[0-9a-fA-F]+|[a-zA-Z][a-zA-Z0-9]*);`)
)

// Ingress cleans forum content for prompt injection: strips ASCII control
// characters except LF, removes NUL, and decodes HTML entities. Meaningful
// punctuation is untouched.
func Ingress(text string) string {
	if text == "" {
		return ""
	}
	text = controlChars.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	// Entities may decode into control characters; strip again.
	text = controlChars.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// Listing makes generated content safe for the storefront: removes dangerous
// tags and event-handler attributes, neutralizes javascript: and
// data:text/html URL schemes, and escapes what remains.
func Listing(text string) string {
	if text == "" {
		return ""
	}
	text = controlChars.ReplaceAllString(text, "")
	text = scriptBlock.ReplaceAllString(text, "")
	text = dangerousOpen.ReplaceAllString(text, "")
	text = dangerousEnd.ReplaceAllString(text, "")
	text = eventAttr.ReplaceAllString(text, "")
	text = jsScheme.ReplaceAllString(text, "blocked:")
	text = dataHTML.ReplaceAllString(text, "blocked:text/html")
	text = escapeHTML(text)
	return strings.TrimSpace(text)
}

// Store prepares external text for a database write: strips NUL and rejects
// invalid UTF-8.
func Store(text string) (string, error) {
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("invalid UTF-8 sequence in input")
	}
	return strings.ReplaceAll(text, "\x00", ""), nil
}

// escapeHTML escapes <, >, quotes, and bare ampersands. Ampersands that
// already begin an entity are left alone, which keeps the function idempotent.
func escapeHTML(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&#34;")
		case '\'':
			b.WriteString("&#39;")
		case '&':
			if loc := entity.FindStringIndex(text[i:]); loc != nil && loc[0] == 0 {
				b.WriteString(text[i : i+loc[1]])
				i += loc[1] - 1
			} else {
				b.WriteString("&amp;")
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
