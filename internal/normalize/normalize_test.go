package normalize

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNormalizer() *Normalizer {
	return New(Options{
		AllowedEmbedHosts: []string{"youtube.com", "vimeo.com", "codepen.io"},
		ObjectStorageHost: "https://media.example.com",
		CacheSize:         -1,
	})
}

func parse(t *testing.T, s string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	require.NoError(t, err)
	return doc
}

func TestNormalize(t *testing.T) {
	n := newTestNormalizer()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "Script after paragraph",
			input:    `<p>hi</p><script>alert(1)</script>`,
			expected: `<p>hi</p>`,
		},
		{
			name:     "Entity encoded markup",
			input:    `&lt;p&gt;hello&lt;/p&gt;`,
			expected: `<p>hello</p>`,
		},
		{
			name:     "Double encoded markup",
			input:    `<p>&amp;lt;b&amp;gt;bold&amp;lt;/b&amp;gt;</p>`,
			expected: `<p><b>bold</b></p>`,
		},
		{
			name:     "Encoded script is decoded then removed",
			input:    `<p>a&lt;script&gt;alert(1)&lt;/script&gt;</p>`,
			expected: `<p>a</p>`,
		},
		{
			name:     "Code samples stay encoded",
			input:    `<pre><code>&lt;script&gt;x&lt;/script&gt;</code></pre>`,
			expected: `<pre><code>&lt;script&gt;x&lt;/script&gt;</code></pre>`,
		},
		{
			name:     "Inline handlers removed",
			input:    `<img src="x.png" onerror="alert(1)" OnLoad="y()">`,
			expected: `<img src="x.png"/>`,
		},
		{
			name:     "Script URL in href becomes fragment",
			input:    `<a href=" JaVaScRiPt:alert(1)">x</a>`,
			expected: `<a href="#">x</a>`,
		},
		{
			name:     "Script URL in src is removed",
			input:    `<img src="vbscript:msgbox(1)" alt="a">`,
			expected: `<img alt="a"/>`,
		},
		{
			name:     "Comments removed",
			input:    `<p>a<!-- <script>x</script> --></p>`,
			expected: `<p>a</p>`,
		},
		{
			name:     "Blocked iframe",
			input:    `<iframe src="https://evil.example/x"></iframe>`,
			expected: `<iframe data-unsafe-embed="true" class="embed-blocked"></iframe>`,
		},
		{
			name:     "Allowed iframe subdomain",
			input:    `<iframe src="https://www.youtube.com/embed/abc"></iframe>`,
			expected: `<iframe src="https://www.youtube.com/embed/abc"></iframe>`,
		},
		{
			name:     "Object storage iframe",
			input:    `<iframe src="https://media.example.com/demo.html"></iframe>`,
			expected: `<iframe src="https://media.example.com/demo.html"></iframe>`,
		},
		{
			name:     "Look-alike host blocked",
			input:    `<iframe src="https://evilmedia.example.com/demo.html"></iframe>`,
			expected: `<iframe data-unsafe-embed="true" class="embed-blocked"></iframe>`,
		},
		{
			name:     "Image figure",
			input:    `<figure><img src="a.png"><figcaption>Cap</figcaption></figure>`,
			expected: `<figure data-type="image" class="medium center"><img src="a.png"/><figcaption>Cap</figcaption></figure>`,
		},
		{
			name:     "Figure keeps explicit classes",
			input:    `<figure class="large left"><img src="a.png"></figure>`,
			expected: `<figure class="large left" data-type="image"><img src="a.png"/></figure>`,
		},
		{
			name:     "Figure with an unrelated class",
			input:    `<figure class="bordered"><img src="a.png"></figure>`,
			expected: `<figure class="bordered medium center" data-type="image"><img src="a.png"/></figure>`,
		},
		{
			name:     "Figure with only a size class",
			input:    `<figure class="large"><img src="a.png"></figure>`,
			expected: `<figure class="large center" data-type="image"><img src="a.png"/></figure>`,
		},
		{
			name:     "Blocked iframe keeps its classes",
			input:    `<iframe class="wide" src="https://evil.example/x"></iframe>`,
			expected: `<iframe class="wide embed-blocked" data-unsafe-embed="true"></iframe>`,
		},
		{
			name:     "Figure without media is left alone",
			input:    `<figure><blockquote>q</blockquote></figure>`,
			expected: `<figure><blockquote>q</blockquote></figure>`,
		},
		{
			name:     "External link",
			input:    `<a href="https://go.dev">Go</a>`,
			expected: `<a href="https://go.dev" target="_blank" rel="noopener noreferrer">Go</a>`,
		},
		{
			name:     "Fragment link untouched",
			input:    `<a href="#intro">Intro</a>`,
			expected: `<a href="#intro">Intro</a>`,
		},
		{
			name:     "Existing target kept",
			input:    `<a href="/x" target="_self">x</a>`,
			expected: `<a href="/x" target="_self">x</a>`,
		},
		{
			name:     "Blank target gains rel",
			input:    `<a href="/x" target="_blank" rel="nofollow">x</a>`,
			expected: `<a href="/x" target="_blank" rel="nofollow noopener noreferrer">x</a>`,
		},
		{
			name:     "Table wrapped",
			input:    `<table><tr><td>1</td></tr></table>`,
			expected: `<div class="table-responsive"><table><tbody><tr><td>1</td></tr></tbody></table></div>`,
		},
		{
			name:     "Wrapped table untouched",
			input:    `<div class="table-responsive"><table><tbody><tr><td>1</td></tr></tbody></table></div>`,
			expected: `<div class="table-responsive"><table><tbody><tr><td>1</td></tr></tbody></table></div>`,
		},
		{
			name:     "Empty paragraph",
			input:    `<p></p>`,
			expected: "<p>\u00a0</p>",
		},
		{
			name:     "Whitespace paragraph",
			input:    "<p> \n\t</p>",
			expected: "<p>\u00a0</p>",
		},
		{
			name:     "Style and noscript removed",
			input:    `<style>p{}</style><noscript><script>x</script></noscript><p>k</p>`,
			expected: `<p>k</p>`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, n.Normalize(tc.input))
		})
	}
}

func TestNormalizeVideoHardening(t *testing.T) {
	n := newTestNormalizer()

	out := n.Normalize(`<video src="a.mp4"></video>`)
	doc := parse(t, out)

	video := doc.Find("video")
	require.Equal(t, 1, video.Length())
	_, hasSrc := video.Attr("src")
	assert.False(t, hasSrc, "bare src should be dropped")

	sources := video.ChildrenFiltered("source")
	require.GreaterOrEqual(t, sources.Length(), 1)
	sources.Each(func(_ int, s *goquery.Selection) {
		assert.Equal(t, "a.mp4", s.AttrOr("src", ""))
	})
	assert.Equal(t, []string{"video/mp4", "video/webm", "video/ogg"}, sources.Map(func(_ int, s *goquery.Selection) string {
		return s.AttrOr("type", "")
	}))

	for _, key := range []string{"controls", "playsinline"} {
		_, ok := video.Attr(key)
		assert.True(t, ok, "expected %s", key)
	}
	assert.Equal(t, "metadata", video.AttrOr("preload", ""))
	assert.Equal(t, "a.mp4", video.AttrOr("data-fallback-href", ""))

	link := video.Find("span.media-unavailable a")
	require.Equal(t, 1, link.Length())
	assert.Equal(t, "a.mp4", link.AttrOr("href", ""))
	assert.Equal(t, "_blank", link.AttrOr("target", ""))

	assert.Equal(t, out, n.Normalize(out))
}

func TestNormalizeVideoKeepsOwnSources(t *testing.T) {
	n := newTestNormalizer()
	out := n.Normalize(`<figure><video preload="auto"><source src="b.webm" type="video/webm"></video></figure>`)
	doc := parse(t, out)

	assert.Equal(t, "video", doc.Find("figure").AttrOr("data-type", ""))
	assert.Equal(t, 1, doc.Find("video source").Length())
	assert.Equal(t, "auto", doc.Find("video").AttrOr("preload", ""))
	assert.Equal(t, "b.webm", doc.Find("video").AttrOr("data-fallback-href", ""))
}

func TestNormalizeAttributeEntities(t *testing.T) {
	n := newTestNormalizer()
	out := n.Normalize(`<a href="/search?q=a&amp;b" title="&quot;quoted&quot;">s</a>`)
	doc := parse(t, out)

	assert.Equal(t, "/search?q=a&b", doc.Find("a").AttrOr("href", ""))
	assert.Equal(t, `"quoted"`, doc.Find("a").AttrOr("title", ""))
}

var snippets = []string{
	`<p>Hello <strong>world</strong></p>`,
	`<p></p>`,
	`<p>   </p>`,
	`<h2 id="intro">Intro</h2>`,
	`<script>alert(1)</script>`,
	`<img src="a.png" onerror="alert(1)">`,
	`<a href="javascript:alert(1)">bad</a>`,
	`<a href="https://go.dev" onclick="x()">Go</a>`,
	`<a href="#top">top</a>`,
	`<iframe src="https://evil.example/embed"></iframe>`,
	`<iframe src="https://player.vimeo.com/video/1"></iframe>`,
	`<figure><img src="b.png"><figcaption>B</figcaption></figure>`,
	`<figure><video src="c.mp4"></video></figure>`,
	`<video src="d.webm" controls></video>`,
	`<table><tr><td>x</td></tr></table>`,
	`&lt;em&gt;encoded&lt;/em&gt;`,
	`<p>&amp;lt;i&amp;gt;twice&amp;lt;/i&amp;gt;</p>`,
	`<pre><code class="language-go">if a &lt; b {}</code></pre>`,
	`<ul><li>one</li><li>two <a href="/x">x</a></li></ul>`,
	`<blockquote><p>q</p></blockquote>`,
	`<div onmouseover="steal()"><p>div</p></div>`,
}

func randomDocument(rng *rand.Rand) string {
	var b strings.Builder
	for i, n := 0, 1+rng.Intn(8); i < n; i++ {
		b.WriteString(snippets[rng.Intn(len(snippets))])
	}
	return b.String()
}

func TestNormalizeIdempotent(t *testing.T) {
	n := newTestNormalizer()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		input := randomDocument(rng)
		once := n.Normalize(input)
		twice := n.Normalize(once)
		require.Equal(t, once, twice, "input %q", input)
	}
}

func TestNormalizeIdempotentWithCache(t *testing.T) {
	n := New(Options{CacheSize: 16})
	input := `<p>x</p><table><tr><td>1</td></tr></table>`
	once := n.Normalize(input)
	assert.Equal(t, once, n.Normalize(once))
	assert.Equal(t, once, n.Normalize(input))
}

func assertSafe(t *testing.T, out string) {
	t.Helper()
	assert.NotContains(t, strings.ToLower(out), "<script")
	doc := parse(t, out)
	assert.Equal(t, 0, doc.Find("script").Length())
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		for _, a := range s.Nodes[0].Attr {
			assert.False(t, strings.HasPrefix(strings.ToLower(a.Key), "on"), "handler %s survived in %q", a.Key, out)
		}
	})
}

func TestNormalizeSafety(t *testing.T) {
	n := newTestNormalizer()
	rng := rand.New(rand.NewSource(11))

	for i := 0; i < 100; i++ {
		assertSafe(t, n.Normalize(randomDocument(rng)))
	}

	hostile := []string{
		`<svg><script>alert(1)</script></svg>`,
		`<scr<script>ipt>alert(1)</script>`,
		`<xmp><script>alert(1)</script></xmp>`,
		`<iframe><script>alert(1)</script></iframe>`,
		`<plaintext><script>alert(1)</script>`,
		`<p title="<script>">t</p>`,
		`<a/onclick="x()">a</a>`,
		`&amp;lt;script&amp;gt;alert(1)&amp;lt;/script&amp;gt;`,
		`<math><style><img src=x onerror=alert(1)></style></math>`,
	}
	for _, h := range hostile {
		assertSafe(t, n.Normalize(h))
	}
}

const alphabet = `<>/="' &;#abcdefghijklmnopqrstuvwxyz
	pscriptvideoiframetablefigureonclickjavascript:`

func randomGarbage(rng *rand.Rand, size int) string {
	b := make([]byte, size)
	for i := range b {
		b[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(b)
}

func TestNormalizeNeverPanics(t *testing.T) {
	n := newTestNormalizer()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 100; i++ {
		size := 1 + rng.Intn(2000)
		if i%20 == 0 {
			size = 200_000
		}
		input := randomGarbage(rng, size)
		assert.NotPanics(t, func() {
			out := n.Normalize(input)
			assert.NotContains(t, strings.ToLower(out), "<script")
		})
	}

	deep := strings.Repeat("<div><p><table><tr><td>", 500)
	assert.NotPanics(t, func() { n.Normalize(deep) })
	assert.NotPanics(t, func() { n.Normalize(string([]byte{0xff, 0xfe, '<', 0x00, 'p'})) })
}

func TestNormalizeSafetyStepFailureFallsBack(t *testing.T) {
	n := newTestNormalizer()
	n.beforeStep = func(name string) {
		if name == "scripts" {
			panic("boom")
		}
	}

	out, report := n.NormalizeWithReport(`<p onclick="x()">hi</p><script>alert(1)</script><a href="javascript:go()">a</a>`)
	assert.True(t, report.FallbackUsed)
	assert.NotEmpty(t, report.Failures)
	assert.Equal(t, `<p >hi</p><a href="go()">a</a>`, out)
}

func TestNormalizeCosmeticStepFailureIsSkipped(t *testing.T) {
	n := newTestNormalizer()
	n.beforeStep = func(name string) {
		if name == "tables" {
			panic("boom")
		}
	}

	out, report := n.NormalizeWithReport(`<table><tr><td>1</td></tr></table><script>x</script>`)
	assert.False(t, report.FallbackUsed)
	assert.NotEmpty(t, report.Failures)
	assert.NotContains(t, out, "table-responsive")
	assert.NotContains(t, out, "<script")
}

func TestNormalizeWithReport(t *testing.T) {
	n := newTestNormalizer()
	_, report := n.NormalizeWithReport(
		`<p></p><script>x</script><img src=a onerror=b><a href="javascript:x">j</a>` +
			`<iframe src="https://bad.example"></iframe><figure><img src=c></figure>` +
			`<video src=v.mp4></video><a href="https://go.dev">g</a><table><tr><td>t</td></tr></table>`)

	assert.Equal(t, 1, report.ScriptsRemoved)
	assert.Equal(t, 1, report.HandlersRemoved)
	assert.Equal(t, 1, report.URLsNeutralized)
	assert.Equal(t, 1, report.IframesBlocked)
	assert.Equal(t, 1, report.FiguresTagged)
	assert.Equal(t, 1, report.VideosHardened)
	// the external link plus the video fallback link
	assert.Equal(t, 2, report.LinksHardened)
	assert.Equal(t, 1, report.TablesWrapped)
	assert.Equal(t, 1, report.ParagraphsRepaired)
	assert.True(t, report.Changed())
	assert.GreaterOrEqual(t, report.Passes, 2)
}

func TestStrip(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "Script block", input: `a<script>x</script>b`, expected: `ab`},
		{name: "Unclosed script", input: `a<script>x`, expected: `a`},
		{name: "Handler", input: `<p onclick="x()">p</p>`, expected: `<p >p</p>`},
		{name: "Script scheme", input: `<a href="javascript:x()">a</a>`, expected: `<a href="x()">a</a>`},
		{name: "Nested trick", input: `<scr<script>x</script>ipt>y</script>`, expected: ``},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Strip(tc.input))
		})
	}
}

func TestDefault(t *testing.T) {
	original := Default()
	defer SetDefault(original)

	custom := New(Options{AllowedEmbedHosts: []string{"example.org"}, CacheSize: -1})
	SetDefault(custom)
	assert.Same(t, custom, Default())
	assert.Contains(t, Normalize(`<iframe src="https://example.org/e"></iframe>`), `src="https://example.org/e"`)

	SetDefault(nil)
	assert.Same(t, custom, Default())
}
