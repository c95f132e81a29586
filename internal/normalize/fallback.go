package normalize

import "regexp"

var (
	scriptBlock = regexp.MustCompile(`(?is)<script\b.*?(?:</script\s*>|$)`)
	handlerAttr = regexp.MustCompile(`(?i)[\s/]on[a-z0-9_-]*\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>]*)`)
	scriptURL   = regexp.MustCompile(`(?i)(?:java|vb)script\s*:`)
)

// Strip is the minimal sanitizer used when the tree pipeline fails. It
// removes script blocks, inline handlers and script URL schemes, repeating
// until nothing matches.
func Strip(s string) string {
	for i := 0; i < 8; i++ {
		next := scriptBlock.ReplaceAllString(s, "")
		next = handlerAttr.ReplaceAllString(next, " ")
		next = scriptURL.ReplaceAllString(next, "")
		if next == s {
			break
		}
		s = next
	}
	return s
}
