package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/debemdeboas/kbpreview/internal/cache"
	"github.com/debemdeboas/kbpreview/internal/db"
	"github.com/debemdeboas/kbpreview/internal/model"
	"github.com/debemdeboas/kbpreview/internal/util"
	"github.com/debemdeboas/kbpreview/internal/util/compression"
	"github.com/google/uuid"
)

const selectArticles = `SELECT id, title, body, format, metadata, content_hash, created_at, modified_at, user_id FROM articles`

type DBArticleRepository struct { // implements ArticleRepository
	mu                  sync.RWMutex
	articlesCache       *cache.Cache[model.ArticleID, *model.Article]
	articlesCacheSorted []model.Article

	notifyMu       sync.RWMutex
	reloadNotifier func(model.ArticleID)

	// COUNT and MAX(modified_at) at the last load
	fingerprint string

	db         db.Db
	compressor compression.Compressor
}

func NewDBArticleRepository(database db.Db, compressor compression.Compressor) *DBArticleRepository {
	if compressor == nil {
		compressor = compression.ZstdCompressor{}
	}
	return &DBArticleRepository{
		articlesCache: cache.NewCache[model.ArticleID, *model.Article](),

		db: database,

		compressor: compressor,
	}
}

func (r *DBArticleRepository) Init() error {
	fingerprint, err := r.currentFingerprint()
	if err != nil {
		return err
	}
	articles, err := r.GetArticles()
	if err != nil {
		return fmt.Errorf("error initializing articles: %w", err)
	}

	r.mu.Lock()
	r.replace(articles)
	r.fingerprint = fingerprint
	r.mu.Unlock()

	repoLogger.Info().Int("articles", len(articles)).Msg("Articles loaded")
	return nil
}

// replace swaps the cache contents. Callers hold r.mu.
func (r *DBArticleRepository) replace(articles []model.Article) {
	r.articlesCache.Clear()
	for i := range articles {
		a := articles[i]
		r.articlesCache.Set(a.ID, &a)
	}
	r.articlesCacheSorted = articles
}

func (r *DBArticleRepository) currentFingerprint() (string, error) {
	var count int
	var latest sql.NullString
	row := r.db.QueryRow(`SELECT COUNT(*), MAX(modified_at) FROM articles`)
	if err := row.Scan(&count, &latest); err != nil {
		return "", fmt.Errorf("error scanning article fingerprint: %w", err)
	}
	return fmt.Sprintf("%d|%s", count, latest.String), nil
}

func (r *DBArticleRepository) scan(scanner interface{ Scan(...any) error }) (model.Article, error) {
	var article model.Article
	var compressed []byte
	var format, metadata, hash, owner sql.NullString
	var created, modified sql.NullTime

	err := scanner.Scan(&article.ID, &article.Title, &compressed, &format, &metadata, &hash, &created, &modified, &owner)
	if err != nil {
		return model.Article{}, err
	}

	article.Format = model.Format(format.String)
	if article.Format == "" {
		article.Format = model.FormatHTML
	}
	article.ContentHash = hash.String
	article.CreatedDate = created.Time
	article.ModifiedDate = modified.Time
	article.Owner = model.UserID(owner.String)

	if len(compressed) > 0 {
		body, err := r.compressor.Decompress(compressed)
		if err != nil {
			return model.Article{}, fmt.Errorf("error decompressing article %s: %w", article.ID, err)
		}
		article.BodyHTML = string(body)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &article.Metadata); err != nil {
			return model.Article{}, fmt.Errorf("error decoding metadata of article %s: %w", article.ID, err)
		}
	}
	return article, nil
}

// GetArticles reads every article, most recently modified first.
func (r *DBArticleRepository) GetArticles() ([]model.Article, error) {
	rows, err := r.db.Query(selectArticles)
	if err != nil {
		return nil, fmt.Errorf("error querying articles: %w", err)
	}
	defer rows.Close()

	articles := make([]model.Article, 0)
	for rows.Next() {
		article, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning article: %w", err)
		}
		articles = append(articles, article)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating articles: %w", err)
	}

	slices.SortStableFunc(articles, func(a, b model.Article) int {
		return -a.ModifiedDate.Compare(b.ModifiedDate)
	})
	return articles, nil
}

func (r *DBArticleRepository) ListArticles() []model.Article {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.articlesCacheSorted)
}

func (r *DBArticleRepository) ReadArticle(id model.ArticleID) (*model.Article, error) {
	r.mu.RLock()
	cached, ok := r.articlesCache.Get(id)
	r.mu.RUnlock()
	if ok {
		a := *cached
		a.Metadata = cached.Metadata.Clone()
		return &a, nil
	}

	article, err := r.scan(r.db.QueryRow(selectArticles+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrArticleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading article %s: %w", id, err)
	}
	return &article, nil
}

// Reload reads the table again if its fingerprint moved and returns the ids
// of articles that were added or whose content hash changed.
func (r *DBArticleRepository) Reload() ([]model.ArticleID, error) {
	fingerprint, err := r.currentFingerprint()
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	unchanged := fingerprint == r.fingerprint
	r.mu.RUnlock()
	if unchanged {
		repoLogger.Debug().Msg("No articles modified, skipping reload")
		return nil, nil
	}

	articles, err := r.GetArticles()
	if err != nil {
		return nil, fmt.Errorf("error reloading articles: %w", err)
	}

	r.mu.Lock()
	var changed []model.ArticleID
	for _, a := range articles {
		cached, ok := r.articlesCache.Get(a.ID)
		switch {
		case !ok:
			repoLogger.Info().Str("article_id", string(a.ID)).Str("title", a.Title).Msg("New article detected")
			changed = append(changed, a.ID)
		case cached.ContentHash != a.ContentHash || cached.Title != a.Title:
			repoLogger.Info().Str("article_id", string(a.ID)).Str("title", a.Title).Msg("Article content changed, reloading")
			changed = append(changed, a.ID)
		}
	}
	r.replace(articles)
	r.fingerprint = fingerprint
	r.mu.Unlock()

	for _, id := range changed {
		r.notify(id)
	}
	return changed, nil
}

func (r *DBArticleRepository) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReloadInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reload(); err != nil {
				repoLogger.Error().Err(err).Msg("Error reloading articles")
			}
		}
	}
}

func (r *DBArticleRepository) SetReloadNotifier(notifier func(model.ArticleID)) {
	r.notifyMu.Lock()
	r.reloadNotifier = notifier
	r.notifyMu.Unlock()
}

func (r *DBArticleRepository) notify(id model.ArticleID) {
	r.notifyMu.RLock()
	notifier := r.reloadNotifier
	r.notifyMu.RUnlock()
	if notifier != nil {
		notifier(id)
	}
}

func (r *DBArticleRepository) NewArticle() *model.Article {
	now := time.Now().UTC()

	return &model.Article{
		ID:     model.ArticleID(uuid.New().String()),
		Format: model.FormatHTML,

		CreatedDate:  now,
		ModifiedDate: now,
	}
}

func (r *DBArticleRepository) encode(article *model.Article) ([]byte, string, error) {
	compressed, err := r.compressor.Compress([]byte(article.BodyHTML))
	if err != nil {
		return nil, "", fmt.Errorf("error compressing content: %w", err)
	}
	metadata, err := json.Marshal(article.Metadata)
	if err != nil {
		return nil, "", fmt.Errorf("error encoding metadata: %w", err)
	}
	if article.Format == "" {
		article.Format = model.FormatHTML
	}
	article.ContentHash = util.ContentHashString(string(article.Format) + "\x00" + article.BodyHTML)
	return compressed, string(metadata), nil
}

func (r *DBArticleRepository) SaveArticle(article *model.Article) error {
	compressed, metadata, err := r.encode(article)
	if err != nil {
		return err
	}

	res, err := r.db.Exec(
		`INSERT INTO articles (id, title, body, format, metadata, content_hash, created_at, modified_at, user_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		article.ID, article.Title, compressed, article.Format, metadata, article.ContentHash, article.CreatedDate, article.ModifiedDate, article.Owner,
	)
	if err != nil {
		return fmt.Errorf("error saving article: %w", err)
	}

	repoLogger.Debug().Interface("result", res).Str("article_id", string(article.ID)).Msg("Article saved")
	r.store(article, false)
	return nil
}

func (r *DBArticleRepository) UpdateArticle(article *model.Article) error {
	compressed, metadata, err := r.encode(article)
	if err != nil {
		return err
	}
	article.ModifiedDate = time.Now().UTC()

	res, err := r.db.Exec(
		`UPDATE articles SET title = ?, body = ?, format = ?, metadata = ?, content_hash = ?, modified_at = ? WHERE id = ?`,
		article.Title, compressed, article.Format, metadata, article.ContentHash, article.ModifiedDate, article.ID,
	)
	if err != nil {
		return fmt.Errorf("error updating article: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrArticleNotFound, article.ID)
	}

	repoLogger.Debug().Str("article_id", string(article.ID)).Msg("Article content set")
	r.store(article, true)
	return nil
}

// store puts article in the cache and refreshes the fingerprint so Watch
// does not report the write a second time.
func (r *DBArticleRepository) store(article *model.Article, notify bool) {
	fingerprint, err := r.currentFingerprint()
	if err != nil {
		repoLogger.Warn().Err(err).Msg("Could not refresh article fingerprint")
	}

	stored := *article
	stored.Metadata = article.Metadata.Clone()
	stored.Content = ""

	r.mu.Lock()
	previous, existed := r.articlesCache.Get(stored.ID)
	changed := !existed || previous.ContentHash != stored.ContentHash || previous.Title != stored.Title
	articles := slices.DeleteFunc(slices.Clone(r.articlesCacheSorted), func(a model.Article) bool { return a.ID == stored.ID })
	articles = append([]model.Article{stored}, articles...)
	slices.SortStableFunc(articles, func(a, b model.Article) int {
		return -a.ModifiedDate.Compare(b.ModifiedDate)
	})
	r.replace(articles)
	if err == nil {
		r.fingerprint = fingerprint
	}
	r.mu.Unlock()

	if notify && changed {
		r.notify(stored.ID)
	}
}
