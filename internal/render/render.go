// Package render turns stored and draft bodies into the HTML shown to
// readers: normalization first, then syntax highlighting of code blocks.
package render

import (
	"bytes"
	"html/template"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/gomarkdown/markdown"
	md_html "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/rs/zerolog"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/debemdeboas/kbpreview/internal/cache"
	"github.com/debemdeboas/kbpreview/internal/model"
	"github.com/debemdeboas/kbpreview/internal/normalize"
	"github.com/debemdeboas/kbpreview/internal/theme"
	"github.com/debemdeboas/kbpreview/internal/util"
)

var renderLogger zerolog.Logger

func SetLogger(l zerolog.Logger) {
	renderLogger = l
}

const languagePrefix = "language-"

// Renderer is shared by the live preview and the published article page so
// both show the same markup.
type Renderer struct {
	normalizer *normalize.Normalizer
}

// New returns a renderer over n. A nil n uses normalize.Default at render
// time.
func New(n *normalize.Normalizer) *Renderer {
	return &Renderer{normalizer: n}
}

func (r *Renderer) normalize(body string) string {
	if r == nil || r.normalizer == nil {
		return normalize.Normalize(body)
	}
	return r.normalizer.Normalize(body)
}

// Mutex to protect the check-render-set operation in Render
var renderCacheMutex sync.Mutex

// Render normalizes body and highlights its code blocks.
func (r *Renderer) Render(body, syntaxTheme string) string {
	contentHash := util.ContentHashString(body)
	if cached, found := cache.GetRendered(contentHash, syntaxTheme); found {
		renderLogger.Debug().Str("contentHash", contentHash).Str("syntaxTheme", syntaxTheme).Msg("Cache hit for rendered body")
		return string(cached.HTML)
	}

	renderCacheMutex.Lock()
	defer renderCacheMutex.Unlock()
	if cached, found := cache.GetRendered(contentHash, syntaxTheme); found {
		return string(cached.HTML)
	}

	out := HighlightBlocks(r.normalize(body), syntaxTheme)
	cache.SetRendered(contentHash, syntaxTheme, []byte(out))
	return out
}

// RenderArticle renders a stored article, converting markdown bodies first.
func (r *Renderer) RenderArticle(a *model.Article, syntaxTheme string) template.HTML {
	body := a.BodyHTML
	if a.Format == model.FormatMarkdown {
		body = string(RenderMarkdown([]byte(body)))
	}
	return template.HTML(r.Render(body, syntaxTheme))
}

// WarmCache renders body in the background.
func (r *Renderer) WarmCache(body, syntaxTheme string) {
	go func() {
		r.Render(body, syntaxTheme)
		renderLogger.Debug().Str("syntaxTheme", syntaxTheme).Msg("Cache warming completed")
	}()
}

// RenderMarkdown converts markdown to HTML. Fenced code keeps its
// language-* class for HighlightBlocks.
func RenderMarkdown(md []byte) []byte {
	opts := md_html.RendererOptions{
		Flags: md_html.CommonFlags | md_html.FootnoteReturnLinks,
	}

	doc := parser.NewWithExtensions(
		parser.Tables | parser.FencedCode | parser.Autolink | parser.Strikethrough | parser.SpaceHeadings |
			parser.HeadingIDs | parser.BackslashLineBreak | parser.SuperSubscript | parser.DefinitionLists |
			parser.AutoHeadingIDs | parser.Footnotes | parser.OrderedListStart | parser.NonBlockingSpace,
	).Parse(markdown.NormalizeNewlines(md))
	return markdown.Render(doc, md_html.NewRenderer(opts))
}

func HighlightCode(code, language, syntaxTheme string) (string, error) {
	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return "", err
	}

	var buf strings.Builder
	if err := theme.GetFormatter().Format(&buf, theme.Style(syntaxTheme), iterator); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// HighlightBlocks replaces every pre > code carrying a language-* class
// with chroma output. Blocks chroma cannot handle are left as they are.
func HighlightBlocks(body, syntaxTheme string) string {
	if !strings.Contains(body, languagePrefix) {
		return body
	}

	root := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(body), root)
	if err != nil {
		renderLogger.Warn().Err(err).Msg("Failed to parse body for highlighting")
		return body
	}
	for _, n := range nodes {
		root.AppendChild(n)
	}

	doc := goquery.NewDocumentFromNode(root)
	highlighted := 0
	doc.Find("pre > code[class*='" + languagePrefix + "']").Each(func(_ int, code *goquery.Selection) {
		language := codeLanguage(code)
		if language == "" {
			return
		}
		out, err := HighlightCode(code.Text(), language, syntaxTheme)
		if err != nil {
			renderLogger.Debug().Err(err).Str("language", language).Msg("Highlighting failed, keeping plain block")
			return
		}
		code.Parent().ReplaceWithHtml(`<div class="highlight">` + out + `</div>`)
		highlighted++
	})
	if highlighted == 0 {
		return body
	}

	var buf bytes.Buffer
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			renderLogger.Warn().Err(err).Msg("Failed to render highlighted body")
			return body
		}
	}
	return buf.String()
}

func codeLanguage(code *goquery.Selection) string {
	class, _ := code.Attr("class")
	for _, token := range strings.Fields(class) {
		if strings.HasPrefix(token, languagePrefix) {
			return strings.TrimPrefix(token, languagePrefix)
		}
	}
	return ""
}
