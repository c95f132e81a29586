package normalize

import (
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

type step struct {
	name string
	// safety steps abort the pass on failure so the regex fallback runs.
	safety bool
	run    func(doc *goquery.Document, r *Report)
}

func (n *Normalizer) steps() []step {
	return []step{
		{name: "entities", safety: true, run: decodeEntities},
		{name: "scripts", safety: true, run: stripScripts},
		{name: "iframes", run: n.allowListIframes},
		{name: "figures", run: canonicalizeFigures},
		{name: "videos", run: hardenVideos},
		{name: "links", run: hardenLinks},
		{name: "tables", run: wrapTables},
		{name: "paragraphs", run: repairParagraphs},
	}
}

const maxDecodeRounds = 3

var (
	rawMarkup     = regexp.MustCompile(`<[a-zA-Z/!]`)
	escapedMarkup = regexp.MustCompile(`(?i)&lt;[a-z/!]`)
)

// Text in these elements is code or raw text and is never reparsed.
var literalText = map[atom.Atom]bool{
	atom.Pre:       true,
	atom.Code:      true,
	atom.Textarea:  true,
	atom.Script:    true,
	atom.Style:     true,
	atom.Title:     true,
	atom.Xmp:       true,
	atom.Iframe:    true,
	atom.Noembed:   true,
	atom.Noframes:  true,
	atom.Noscript:  true,
	atom.Plaintext: true,
}

// decodeEntities reparses text nodes that hold markup, which is what an
// upstream editor leaves behind when it encodes HTML once or twice.
func decodeEntities(doc *goquery.Document, r *Report) {
	root := doc.Nodes[0]
	for round := 0; round < maxDecodeRounds; round++ {
		var targets []*html.Node
		collectText(root, &targets)

		changed := false
		for _, t := range targets {
			markup, ok := encodedMarkup(t.Data)
			if !ok {
				continue
			}
			parent := t.Parent
			nodes, err := html.ParseFragment(strings.NewReader(markup), parent)
			if err != nil {
				continue
			}
			if len(nodes) == 1 && nodes[0].Type == html.TextNode && nodes[0].Data == t.Data {
				continue
			}
			for _, c := range nodes {
				parent.InsertBefore(c, t)
			}
			parent.RemoveChild(t)
			r.EntitiesDecoded++
			changed = true
		}
		if !changed {
			return
		}
	}
}

func collectText(n *html.Node, out *[]*html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			*out = append(*out, c)
		case html.ElementNode:
			if !literalText[c.DataAtom] {
				collectText(c, out)
			}
		}
	}
}

func encodedMarkup(s string) (string, bool) {
	if rawMarkup.MatchString(s) {
		return s, true
	}
	if escapedMarkup.MatchString(s) {
		return html.UnescapeString(s), true
	}
	return "", false
}

// Elements removed with their content. Their text is rendered raw, so
// keeping it would let markup through unescaped.
var removedElements = "script, style, noscript, noembed, noframes, object, embed, base, meta, link"

// URL-bearing attributes checked for script schemes.
var urlAttrs = map[string]bool{
	"href":       true,
	"src":        true,
	"action":     true,
	"formaction": true,
	"poster":     true,
	"data":       true,
	"background": true,
}

func stripScripts(doc *goquery.Document, r *Report) {
	doc.Find(removedElements).Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "script" {
			r.ScriptsRemoved++
		} else {
			r.ElementsRemoved++
		}
		s.Remove()
	})

	// Raw text containers would otherwise render their text unescaped.
	doc.Find("xmp, plaintext").Each(func(_ int, s *goquery.Selection) {
		node := s.Nodes[0]
		node.Data, node.DataAtom = "pre", atom.Pre
		r.ElementsRemoved++
	})
	doc.Find("iframe").Each(func(_ int, s *goquery.Selection) {
		s.Contents().Remove()
	})

	removeComments(doc.Nodes[0], r)

	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		node := s.Nodes[0]
		if !validName(node.Data) {
			unwrap(node)
			r.ElementsRemoved++
			return
		}
		kept := node.Attr[:0]
		for _, a := range node.Attr {
			key := strings.ToLower(a.Key)
			if !validName(key) || strings.HasPrefix(key, "on") {
				r.HandlersRemoved++
				continue
			}
			if urlAttrs[key] && isScriptURL(a.Val) {
				r.URLsNeutralized++
				if key == "href" {
					a.Val = "#"
					kept = append(kept, a)
				}
				continue
			}
			if key == "srcdoc" {
				r.HandlersRemoved++
				continue
			}
			kept = append(kept, a)
		}
		node.Attr = kept
	})
}

// validName rejects the tag and attribute names a tokenizer builds out of
// garbage such as "scr<script". They are rendered verbatim.
func validName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == ':', c == '.':
		default:
			return false
		}
	}
	return true
}

// unwrap replaces n with its children.
func unwrap(n *html.Node) {
	parent := n.Parent
	if parent == nil {
		return
	}
	for n.FirstChild != nil {
		c := n.FirstChild
		n.RemoveChild(c)
		parent.InsertBefore(c, n)
	}
	parent.RemoveChild(n)
}

func removeComments(n *html.Node, r *Report) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch c.Type {
		case html.CommentNode:
			n.RemoveChild(c)
			r.ElementsRemoved++
		case html.ElementNode:
			removeComments(c, r)
		}
		c = next
	}
}

func isScriptURL(v string) bool {
	var b strings.Builder
	for _, ch := range v {
		if ch > ' ' {
			b.WriteRune(ch)
		}
	}
	s := strings.ToLower(b.String())
	return strings.HasPrefix(s, "javascript:") || strings.HasPrefix(s, "vbscript:")
}

func (n *Normalizer) allowListIframes(doc *goquery.Document, r *Report) {
	doc.Find("iframe").Each(func(_ int, s *goquery.Selection) {
		src, has := s.Attr("src")
		if has && n.embedAllowed(src) {
			return
		}
		if has {
			s.RemoveAttr("src")
			r.IframesBlocked++
		}
		s.SetAttr("data-unsafe-embed", "true")
		addClasses(s, "embed-blocked")
	})
}

func (n *Normalizer) embedAllowed(src string) bool {
	u, err := url.Parse(strings.TrimSpace(src))
	if err != nil {
		return false
	}
	if u.Scheme != "" && u.Scheme != "https" && u.Scheme != "http" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, allowed := range n.embedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

var (
	sizeClasses  = []string{"small", "medium", "large", "full"}
	alignClasses = []string{"left", "center", "right"}
)

func canonicalizeFigures(doc *goquery.Document, r *Report) {
	doc.Find("figure").Each(func(_ int, s *goquery.Selection) {
		kind := strings.TrimSpace(s.AttrOr("data-type", ""))
		if kind == "" {
			switch {
			case s.Find("video").Length() > 0:
				kind = "video"
			case s.Find("img").Length() > 0:
				kind = "image"
			default:
				return
			}
			s.SetAttr("data-type", kind)
			r.FiguresTagged++
		}
		if kind != "image" && kind != "video" {
			return
		}
		var defaults []string
		if !hasAnyClass(s, sizeClasses) {
			defaults = append(defaults, "medium")
		}
		if !hasAnyClass(s, alignClasses) {
			defaults = append(defaults, "center")
		}
		addClasses(s, defaults...)
	})
}

// addClasses appends the missing classes in one write, keeping the class
// attribute single-space separated.
func addClasses(s *goquery.Selection, classes ...string) {
	if len(classes) == 0 {
		return
	}
	current, _ := s.Attr("class")
	fields := strings.Fields(current)
	for _, c := range classes {
		if !slices.Contains(fields, c) {
			fields = append(fields, c)
		}
	}
	s.SetAttr("class", strings.Join(fields, " "))
}

func hasAnyClass(s *goquery.Selection, classes []string) bool {
	for _, c := range classes {
		if s.HasClass(c) {
			return true
		}
	}
	return false
}

var videoMIMETypes = []string{"video/mp4", "video/webm", "video/ogg"}

const fallbackClass = "media-unavailable"

func hardenVideos(doc *goquery.Document, r *Report) {
	doc.Find("video").Each(func(_ int, s *goquery.Selection) {
		node := s.Nodes[0]
		changed := false

		for _, a := range []html.Attribute{{Key: "controls"}, {Key: "playsinline"}, {Key: "preload", Val: "metadata"}} {
			if _, ok := s.Attr(a.Key); !ok {
				s.SetAttr(a.Key, a.Val)
				changed = true
			}
		}

		src := strings.TrimSpace(s.AttrOr("src", ""))
		if src != "" && s.ChildrenFiltered("source").Length() == 0 {
			first := node.FirstChild
			for _, mime := range videoMIMETypes {
				node.InsertBefore(element(atom.Source, attr("src", src), attr("type", mime)), first)
			}
			s.RemoveAttr("src")
			changed = true
		}

		fallback := src
		if fallback == "" {
			fallback = strings.TrimSpace(s.ChildrenFiltered("source[src]").First().AttrOr("src", ""))
		}
		if fallback != "" {
			if s.AttrOr("data-fallback-href", "") != fallback {
				s.SetAttr("data-fallback-href", fallback)
				changed = true
			}
			if s.ChildrenFiltered("span."+fallbackClass).Length() == 0 {
				node.AppendChild(unavailable(fallback))
				changed = true
			}
		}

		if changed {
			r.VideosHardened++
		}
	})
}

// unavailable builds the text shown when the browser cannot play the video.
func unavailable(href string) *html.Node {
	link := element(atom.A, attr("href", href))
	link.AppendChild(&html.Node{Type: html.TextNode, Data: "Open the video directly"})

	span := element(atom.Span, attr("class", fallbackClass))
	span.AppendChild(&html.Node{Type: html.TextNode, Data: "Media unavailable. "})
	span.AppendChild(link)
	return span
}

func element(a atom.Atom, attrs ...html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String(), Attr: attrs}
}

func attr(key, val string) html.Attribute {
	return html.Attribute{Key: key, Val: val}
}

var relTokens = []string{"noopener", "noreferrer"}

func hardenLinks(doc *goquery.Document, r *Report) {
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}

		target, hasTarget := s.Attr("target")
		if hasTarget && !strings.EqualFold(target, "_blank") {
			return
		}

		changed := false
		if !hasTarget {
			s.SetAttr("target", "_blank")
			changed = true
		}
		rel := strings.Fields(s.AttrOr("rel", ""))
		for _, tok := range relTokens {
			if !containsFold(rel, tok) {
				rel = append(rel, tok)
				changed = true
			}
		}
		if changed {
			s.SetAttr("rel", strings.Join(rel, " "))
			r.LinksHardened++
		}
	})
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

const tableWrapperClass = "table-responsive"

func wrapTables(doc *goquery.Document, r *Report) {
	doc.Find("table").Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered("."+tableWrapperClass).Length() > 0 {
			return
		}
		// A div cannot live in a paragraph; it would not survive a reparse.
		if s.ParentsFiltered("p").Length() > 0 {
			return
		}
		node := s.Nodes[0]
		parent := node.Parent
		if parent == nil {
			return
		}
		wrapper := element(atom.Div, attr("class", tableWrapperClass))
		parent.InsertBefore(wrapper, node)
		parent.RemoveChild(node)
		wrapper.AppendChild(node)
		r.TablesWrapped++
	})
}

const nbsp = "\u00a0"

func repairParagraphs(doc *goquery.Document, r *Report) {
	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		node := s.Nodes[0]
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.TextNode || !blank(c.Data) {
				return
			}
		}
		for node.FirstChild != nil {
			node.RemoveChild(node.FirstChild)
		}
		node.AppendChild(&html.Node{Type: html.TextNode, Data: nbsp})
		r.ParagraphsRepaired++
	})
}

// blank reports ASCII whitespace only. strings.TrimSpace would also eat
// U+00A0 and undo the repair on the next pass.
func blank(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r', '\f':
		default:
			return false
		}
	}
	return true
}
