// Package repository stores published articles.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/debemdeboas/kbpreview/internal/model"
	"github.com/rs/zerolog"
)

var repoLogger zerolog.Logger

func SetLogger(l zerolog.Logger) {
	repoLogger = l
}

var ErrArticleNotFound = errors.New("article not found")

// DefaultReloadInterval is how often Watch looks for changes made by other
// processes sharing the database.
const DefaultReloadInterval = 10 * time.Second

type ArticleRepository interface {
	Init() error

	ListArticles() []model.Article
	ReadArticle(id model.ArticleID) (*model.Article, error)

	NewArticle() *model.Article
	SaveArticle(article *model.Article) error
	UpdateArticle(article *model.Article) error

	Watch(ctx context.Context, interval time.Duration)

	// SetReloadNotifier sets a function that is called with the id of every
	// article whose content changed after it was first loaded.
	SetReloadNotifier(notifier func(model.ArticleID))
}
