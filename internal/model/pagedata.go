package model

import (
	"html/template"
	"net/http"
	"strings"

	"github.com/debemdeboas/kbpreview/internal/config"
	"github.com/debemdeboas/kbpreview/internal/theme"
)

type PageData struct {
	SiteName        string
	SiteDescription string

	PageURL string

	SyntaxCSS    template.CSS
	SyntaxTheme  string
	SyntaxThemes []string

	IsPreviewPage *bool
	IsEditorPage  *bool
}

func NewPageData(r *http.Request) *PageData {
	syntaxTheme := theme.GetSyntaxThemeFromRequest(r)
	siteName, siteDescription := config.DefaultSiteName, ""
	if config.AppConfig != nil {
		siteName = config.AppConfig.Site.Name
		siteDescription = config.AppConfig.Site.Description
	}
	return &PageData{
		SiteName:        siteName,
		SiteDescription: siteDescription,
		PageURL:         r.URL.Path,
		SyntaxTheme:     syntaxTheme,
		SyntaxThemes:    theme.GetSyntaxThemes(),
		SyntaxCSS:       theme.GenerateSyntaxCSS(syntaxTheme),
	}
}

func (pd *PageData) IsArticle() bool {
	return strings.HasPrefix(pd.PageURL, config.ArticlesUrlPath)
}

func (pd *PageData) IsPreview() bool {
	if pd.IsPreviewPage == nil {
		return pd.PageURL == config.PreviewUrlPath
	}
	return *pd.IsPreviewPage
}

func (pd *PageData) IsEditor() bool {
	if pd.IsEditorPage == nil {
		return strings.HasPrefix(pd.PageURL, "/editor")
	}
	return *pd.IsEditorPage
}
