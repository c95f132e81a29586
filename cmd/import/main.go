// Command import stores a directory of .html and .md files as published
// articles.
package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/debemdeboas/kbpreview/internal/config"
	"github.com/debemdeboas/kbpreview/internal/db"
	"github.com/debemdeboas/kbpreview/internal/logger"
	"github.com/debemdeboas/kbpreview/internal/model"
	"github.com/debemdeboas/kbpreview/internal/repository"
	"github.com/debemdeboas/kbpreview/internal/util"
	"github.com/debemdeboas/kbpreview/internal/util/compression"
)

type options struct {
	Config   string `short:"c" long:"config" default:"config.yaml" description:"Path to the YAML configuration file"`
	Path     string `short:"p" long:"path" required:"true" description:"Directory containing .html and .md files"`
	OwnerID  string `long:"owner-id" required:"true" description:"Owner user ID for the articles"`
	Category string `long:"category" description:"Category set on every imported article"`
	DryRun   bool   `long:"dry-run" description:"Parse the files without writing them"`
}

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	_ = godotenv.Load()
	if err := config.LoadConfig(opts.Config); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	cfg := config.AppConfig

	l := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	db.SetLogger(logger.Component(l, "db"))
	repository.SetLogger(logger.Component(l, "repository"))

	if err := run(opts, cfg, l); err != nil {
		l.Fatal().Err(err).Msg("Import failed")
	}
}

func run(opts options, cfg *config.Config, l zerolog.Logger) error {
	database := db.NewSQLite(cfg.Storage.DatabasePath)
	if err := database.InitDb(); err != nil {
		return fmt.Errorf(config.ErrInitializeDatabaseFmt, err)
	}
	defer database.Close()

	compressor, err := compression.ForName(cfg.Storage.Compression)
	if err != nil {
		return err
	}
	repo := repository.NewDBArticleRepository(database, compressor)

	files, err := os.ReadDir(opts.Path)
	if err != nil {
		return fmt.Errorf("read directory %s: %w", opts.Path, err)
	}

	imported := 0
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		article, err := readArticle(repo, opts.Path, file)
		if err != nil {
			l.Warn().Err(err).Str("file", file.Name()).Msg("Skipping file")
			continue
		}
		if article == nil {
			continue
		}
		article.Owner = model.UserID(opts.OwnerID)
		if opts.Category != "" {
			article.Metadata.Category = opts.Category
		}

		if !opts.DryRun {
			if err := repo.SaveArticle(article); err != nil {
				l.Error().Err(err).Str("file", file.Name()).Msg("Failed to save article")
				continue
			}
		}
		imported++
		l.Info().Str("file", file.Name()).Str("id", string(article.ID)).Str("title", article.Title).Msg("Imported article")
	}

	l.Info().Int("imported", imported).Bool("dry_run", opts.DryRun).Msg("Import finished")
	return nil
}

// readArticle returns nil for files that are neither HTML nor markdown.
func readArticle(repo repository.ArticleRepository, dir string, file os.DirEntry) (*model.Article, error) {
	ext := strings.ToLower(filepath.Ext(file.Name()))
	var format model.Format
	switch ext {
	case ".md", ".markdown":
		format = model.FormatMarkdown
	case ".html", ".htm":
		format = model.FormatHTML
	default:
		return nil, nil
	}

	content, err := os.ReadFile(filepath.Join(dir, file.Name()))
	if err != nil {
		return nil, err
	}
	info, err := file.Info()
	if err != nil {
		return nil, err
	}

	article := repo.NewArticle()
	article.Format = format
	article.Title = strings.TrimSuffix(file.Name(), filepath.Ext(file.Name()))
	article.CreatedDate = info.ModTime().UTC()
	article.ModifiedDate = info.ModTime().UTC()

	if format == model.FormatMarkdown {
		article.BodyHTML = string(content)
		if title, ok := util.MarkdownTitle(content); ok {
			article.Title = title
		}
		return article, nil
	}

	body, title, err := htmlBody(content)
	if err != nil {
		return nil, err
	}
	article.BodyHTML = body
	if title != "" {
		article.Title = title
	}
	return article, nil
}

// htmlBody extracts the body markup of a full HTML document along with its
// title or first heading. Fragments are returned unchanged.
func htmlBody(content []byte) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}

	title := strings.TrimSpace(doc.Find("head > title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	if !bytes.Contains(bytes.ToLower(content), []byte("<body")) {
		return string(content), title, nil
	}
	body, err := doc.Find("body").Html()
	if err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	return strings.TrimSpace(body), title, nil
}
