// Package normalize turns raw rich-text HTML into safe, display-ready HTML.
//
// The same Normalizer serves the live preview and the published article
// page. Output is a fixed point: normalizing an output again returns it
// unchanged.
package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/debemdeboas/kbpreview/internal/cache"
	"github.com/debemdeboas/kbpreview/internal/config"
	"github.com/debemdeboas/kbpreview/internal/util"
)

var normalizeLogger zerolog.Logger

func SetLogger(l zerolog.Logger) {
	normalizeLogger = l
}

// ErrNormalization wraps a failure inside a pipeline step.
var ErrNormalization = errors.New("normalization failed")

// maxPasses bounds the fixed-point loop.
const maxPasses = 4

type Options struct {
	AllowedEmbedHosts []string
	// ObjectStorageHost is the media bucket host. A full URL is accepted.
	ObjectStorageHost string
	// CacheSize of zero uses the default size, negative disables the cache.
	CacheSize int
}

func OptionsFromConfig(c config.NormalizerConfig) Options {
	return Options{
		AllowedEmbedHosts: c.AllowedEmbedHosts,
		ObjectStorageHost: c.ObjectStorageHost,
		CacheSize:         c.CacheSize,
	}
}

// Normalizer is safe for concurrent use.
type Normalizer struct {
	embedHosts []string
	cache      *cache.LRU[string, string]

	// beforeStep is called with the step name before each step runs.
	beforeStep func(name string)
}

func New(opts Options) *Normalizer {
	n := &Normalizer{}
	for _, h := range opts.AllowedEmbedHosts {
		if h = hostOf(h); h != "" {
			n.embedHosts = append(n.embedHosts, h)
		}
	}
	if h := hostOf(opts.ObjectStorageHost); h != "" {
		n.embedHosts = append(n.embedHosts, h)
	}
	if opts.CacheSize >= 0 {
		n.cache = cache.NewLRU[string, string](opts.CacheSize)
	}
	return n
}

// hostOf accepts "example.com", "www.example.com:443" or a full URL.
func hostOf(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "//") {
		s = "//" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

var defaultNormalizer atomic.Pointer[Normalizer]

func init() {
	defaultNormalizer.Store(New(OptionsFromConfig(config.Default().Normalizer)))
}

// Default returns the process-wide normalizer.
func Default() *Normalizer {
	return defaultNormalizer.Load()
}

func SetDefault(n *Normalizer) {
	if n != nil {
		defaultNormalizer.Store(n)
	}
}

// Normalize runs the default normalizer.
func Normalize(raw string) string {
	return Default().Normalize(raw)
}

// Normalize never panics. On an internal failure it returns the
// regex-stripped input.
func (n *Normalizer) Normalize(raw string) string {
	if n.cache != nil {
		if out, ok := n.cache.Get(util.ContentHashString(raw)); ok {
			return out
		}
	}
	out, _ := n.NormalizeWithReport(raw)
	return out
}

// NormalizeWithReport always recomputes and reports what each step changed.
func (n *Normalizer) NormalizeWithReport(raw string) (out string, report Report) {
	defer func() {
		if rec := recover(); rec != nil {
			normalizeLogger.Warn().Interface("panic", rec).Msg("Normalizer panicked, using regex fallback")
			out = Strip(raw)
			report.FallbackUsed = true
		}
		if n.cache != nil {
			n.cache.Set(util.ContentHashString(raw), out)
			n.cache.Set(util.ContentHashString(out), out)
		}
	}()

	current := raw
	settled := false
	for !settled && report.Passes < maxPasses {
		next, err := n.pass(current, &report)
		report.Passes++
		if err != nil {
			normalizeLogger.Warn().Err(err).Msg("Normalization step failed, using regex fallback")
			report.FallbackUsed = true
			report.Failures = append(report.Failures, err.Error())
			return Strip(current), report
		}
		settled = next == current
		current = next
	}
	if !settled {
		normalizeLogger.Debug().Int("passes", report.Passes).Msg("Normalization did not settle within bound")
	}
	return current, report
}

// pass parses s once and applies every step. A failing safety step aborts
// the pass; a failing cosmetic step is recorded and skipped.
func (n *Normalizer) pass(s string, r *Report) (string, error) {
	root := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(s), root)
	if err != nil {
		return "", fmt.Errorf("%w: parse: %v", ErrNormalization, err)
	}
	for _, c := range nodes {
		root.AppendChild(c)
	}
	doc := goquery.NewDocumentFromNode(root)

	for _, st := range n.steps() {
		if err := n.runStep(st, doc, r); err != nil {
			if st.safety {
				return "", err
			}
			normalizeLogger.Warn().Err(err).Str("step", st.name).Msg("Skipping failed normalization step")
			r.Failures = append(r.Failures, err.Error())
		}
	}

	var buf bytes.Buffer
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return "", fmt.Errorf("%w: render: %v", ErrNormalization, err)
		}
	}
	return buf.String(), nil
}

func (n *Normalizer) runStep(st step, doc *goquery.Document, r *Report) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: step %s: %v", ErrNormalization, st.name, rec)
		}
	}()
	if n.beforeStep != nil {
		n.beforeStep(st.name)
	}
	st.run(doc, r)
	return nil
}
