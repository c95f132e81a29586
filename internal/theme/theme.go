// Package theme handles syntax theme selection and CSS generation.
package theme

import (
	"html/template"
	"net/http"
	"slices"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/debemdeboas/kbpreview/internal/cache"
	"github.com/debemdeboas/kbpreview/internal/config"
)

// DefaultSyntaxTheme is the configured theme, or the built-in default when
// no config has been loaded.
func DefaultSyntaxTheme() string {
	if config.AppConfig != nil && config.AppConfig.Theme.SyntaxHighlighting.Default != "" {
		return config.AppConfig.Theme.SyntaxHighlighting.Default
	}
	return config.DefaultSyntaxTheme
}

func GetSyntaxThemeFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(config.CookieSyntaxTheme); err == nil && IsKnown(cookie.Value) {
		return cookie.Value
	}
	return DefaultSyntaxTheme()
}

func IsKnown(theme string) bool {
	_, ok := styles.Registry[theme]
	return ok
}

func GetSyntaxThemes() []string {
	styleNames := styles.Names()
	slices.Sort(styleNames)
	return styleNames
}

func GetFormatter() *html.Formatter {
	return html.New(
		html.WithClasses(true),
		html.TabWidth(4),
		html.WrapLongLines(true),
	)
}

// Style resolves a theme name, falling back when chroma does not know it.
func Style(theme string) *chroma.Style {
	if style, ok := styles.Registry[theme]; ok {
		return style
	}
	return styles.Get(config.FallbackSyntaxTheme)
}

func GenerateSyntaxCSS(theme string) template.CSS {
	if css, ok := cache.GetSyntaxCSS(theme); ok {
		return css
	}

	var buf strings.Builder
	style := Style(theme)

	bg := style.Get(chroma.Background)
	if !bg.Colour.IsSet() {
		// Light backgrounds without a text colour get a dark default
		luminance := (0.299*float64(bg.Background.Red()) +
			0.587*float64(bg.Background.Green()) +
			0.114*float64(bg.Background.Blue())) / 255
		if luminance > 0.5 {
			buf.WriteString(".chroma { color: #181818; }\n")
		}
	}

	if err := GetFormatter().WriteCSS(&buf, style); err != nil {
		return ""
	}
	css := template.CSS(buf.String())
	cache.SetSyntaxCSS(theme, css)
	return css
}
