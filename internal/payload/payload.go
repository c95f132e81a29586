// Package payload encodes drafts into transport payloads that fit a
// channel's capacity, degrading the body when they do not.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/debemdeboas/kbpreview/internal/model"
)

const Version = 1

// Unlimited disables the capacity check.
const Unlimited = math.MaxInt

// TruncationMarker joins the head and tail of a truncated body.
const TruncationMarker = "<!-- kb:truncated -->"

// Placeholder replaces the body of a MinimalMetadataOnly payload.
const Placeholder = `<p class="preview-placeholder">Full content available in source window.</p>`

var ErrCapacityExceeded = errors.New("payload exceeds capacity")

type Payload struct {
	Version       int             `json:"version"`
	Level         Level           `json:"degradationLevel"`
	Timestamp     model.Timestamp `json:"logicalTimestamp"`
	Title         string          `json:"title"`
	BodyHTML      string          `json:"bodyHtml"`
	Metadata      model.Metadata  `json:"metadata"`
	OriginalBytes int             `json:"originalBytes,omitempty"`
}

// EffectiveLevel is the recorded level, or the level implied by the body
// when the tag is missing.
func (p Payload) EffectiveLevel() Level {
	if p.Level.Valid() {
		return p.Level
	}
	switch {
	case p.BodyHTML == Placeholder:
		return MinimalMetadataOnly
	case strings.Contains(p.BodyHTML, TruncationMarker):
		return Truncated
	default:
		return Full
	}
}

func Marshal(p Payload) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	// Markup is the bulk of a payload; escaping it would triple its size.
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func Parse(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("parse payload: %w", err)
	}
	return p, nil
}

// Size is the length of the marshalled payload, or Unlimited when it cannot
// be marshalled.
func Size(p Payload) int {
	b, err := Marshal(p)
	if err != nil {
		return Unlimited
	}
	return len(b)
}

func CheckFits(p Payload, capacity int) error {
	if size := Size(p); size > capacity {
		return fmt.Errorf("%w: %d bytes over a %d byte capacity", ErrCapacityExceeded, size, capacity)
	}
	return nil
}

const (
	DefaultMinRetainChars = 512
	DefaultMinRetainRatio = 0.02
)

// Codec holds the truncation floor. A truncated body keeps at least
// max(MinRetainChars, MinRetainRatio * collapsed length) characters;
// below that the payload drops to MinimalMetadataOnly.
type Codec struct {
	MinRetainChars int
	MinRetainRatio float64
}

var DefaultCodec = Codec{MinRetainChars: DefaultMinRetainChars, MinRetainRatio: DefaultMinRetainRatio}

func Encode(d model.ArticleDraft, capacity int) Payload {
	return DefaultCodec.Encode(d, capacity)
}

func Minimal(d model.ArticleDraft) Payload {
	return DefaultCodec.Minimal(d)
}

func base(d model.ArticleDraft) Payload {
	return Payload{
		Version:       Version,
		Level:         Full,
		Timestamp:     d.LogicalTimestamp,
		Title:         d.Title,
		BodyHTML:      d.BodyHTML,
		Metadata:      d.Metadata.Clone(),
		OriginalBytes: len(d.BodyHTML),
	}
}

// Encode never fails. The result fits capacity unless even the
// MinimalMetadataOnly projection does not; callers check with CheckFits.
func (c Codec) Encode(d model.ArticleDraft, capacity int) Payload {
	p := base(d)
	if capacity == Unlimited || Size(p) <= capacity {
		return p
	}

	collapsed := CollapseWhitespace(d.BodyHTML)
	p.Level = Truncated
	p.BodyHTML = collapsed
	if Size(p) <= capacity {
		return p
	}

	if body, ok := c.truncate(p, collapsed, capacity); ok {
		p.BodyHTML = body
		return p
	}
	return c.Minimal(d)
}

func (c Codec) Minimal(d model.ArticleDraft) Payload {
	p := base(d)
	p.Level = MinimalMetadataOnly
	p.BodyHTML = Placeholder
	return p
}

func (c Codec) floor(collapsed string) int {
	floor := int(c.MinRetainRatio * float64(utf8.RuneCountInString(collapsed)))
	return max(floor, c.MinRetainChars)
}

// truncate finds the largest n for which head(n) + marker + tail(n) fits.
func (c Codec) truncate(p Payload, collapsed string, capacity int) (string, bool) {
	floor := c.floor(collapsed)

	p.BodyHTML = TruncationMarker
	overhead := Size(p)
	// Every retained character costs at least one byte.
	if overhead+floor > capacity {
		return "", false
	}

	lo, hi := 0, len(collapsed)/2
	best := ""
	bestRetained := -1
	for lo <= hi {
		n := lo + (hi-lo)/2
		body, retained := headTail(collapsed, n)
		p.BodyHTML = body
		if Size(p) <= capacity {
			best, bestRetained = body, retained
			lo = n + 1
		} else {
			hi = n - 1
		}
	}
	if bestRetained < floor {
		return "", false
	}
	return best, true
}

// headTail keeps n bytes from each end, cut on rune boundaries, and
// returns the joined body and the retained rune count.
func headTail(s string, n int) (string, int) {
	headEnd := n
	for headEnd > 0 && headEnd < len(s) && !utf8.RuneStart(s[headEnd]) {
		headEnd--
	}
	tailStart := len(s) - n
	for tailStart < len(s) && !utf8.RuneStart(s[tailStart]) {
		tailStart++
	}
	if tailStart < headEnd {
		tailStart = headEnd
	}
	head, tail := s[:headEnd], s[tailStart:]
	return head + TruncationMarker + tail, utf8.RuneCountInString(head) + utf8.RuneCountInString(tail)
}

// CollapseWhitespace replaces every run of ASCII whitespace with its first
// byte. U+00A0 is content, not layout, and is kept.
func CollapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inRun := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case ' ', '\t', '\n', '\r', '\f':
			if inRun {
				continue
			}
			inRun = true
		default:
			inRun = false
		}
		b.WriteByte(c)
	}
	return b.String()
}
