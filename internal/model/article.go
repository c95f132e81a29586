// Package model defines the article, draft and metadata types shared by the editor, preview and published views.
package model

import (
	"html/template"
	"time"
)

type ArticleID string

type UserID string

// Format is the source format of a stored article body.
type Format string

const (
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
)

type Article struct {
	ID ArticleID

	Title    string
	BodyHTML string
	Format   Format
	Metadata Metadata

	// Rendered, normalized body. Never persisted.
	Content template.HTML

	// Used for cache busting of the rendered body.
	ContentHash string

	CreatedDate  time.Time
	ModifiedDate time.Time

	Owner UserID
}

func (a *Article) GetTitle() string {
	if a.Title != "" {
		return a.Title
	}
	return "Untitled - " + a.CreatedDate.Format("2006-01-02")
}

// Draft returns the article as a draft view stamped with ts.
func (a *Article) Draft(ts Timestamp) ArticleDraft {
	return ArticleDraft{
		Title:            a.Title,
		BodyHTML:         a.BodyHTML,
		Metadata:         a.Metadata.Clone(),
		LogicalTimestamp: ts,
	}
}
