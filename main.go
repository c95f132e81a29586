package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/debemdeboas/kbpreview/internal/auth"
	"github.com/debemdeboas/kbpreview/internal/config"
	"github.com/debemdeboas/kbpreview/internal/db"
	"github.com/debemdeboas/kbpreview/internal/draft"
	"github.com/debemdeboas/kbpreview/internal/editor"
	"github.com/debemdeboas/kbpreview/internal/logger"
	"github.com/debemdeboas/kbpreview/internal/model"
	"github.com/debemdeboas/kbpreview/internal/normalize"
	"github.com/debemdeboas/kbpreview/internal/preview"
	"github.com/debemdeboas/kbpreview/internal/relay"
	"github.com/debemdeboas/kbpreview/internal/render"
	"github.com/debemdeboas/kbpreview/internal/repository"
	"github.com/debemdeboas/kbpreview/internal/sse"
	"github.com/debemdeboas/kbpreview/internal/theme"
	"github.com/debemdeboas/kbpreview/internal/transport"
	"github.com/debemdeboas/kbpreview/internal/util/compression"
	"github.com/debemdeboas/kbpreview/internal/window"
)

//go:embed static/* templates/*
var content embed.FS

type options struct {
	Config  string `short:"c" long:"config" env:"KB_CONFIG" default:"config.yaml" description:"Path to the YAML configuration file"`
	EnvFile string `long:"env-file" default:".env" description:"Path to the .env file"`
}

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	if err := godotenv.Load(opts.EnvFile); err != nil {
		fmt.Fprintf(os.Stderr, "No %s file loaded: %v\n", opts.EnvFile, err)
	}

	if err := config.LoadConfig(opts.Config); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	cfg := config.AppConfig

	l := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	setLoggers(l)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l); err != nil {
		l.Fatal().Err(err).Msg("Server stopped")
	}
}

func setLoggers(l zerolog.Logger) {
	config.SetLogger(logger.Component(l, "config"))
	db.SetLogger(logger.Component(l, "db"))
	repository.SetLogger(logger.Component(l, "repository"))
	auth.SetLogger(logger.Component(l, "auth"))
	normalize.SetLogger(logger.Component(l, "normalize"))
	render.SetLogger(logger.Component(l, "render"))
	relay.SetLogger(logger.Component(l, "relay"))
	window.SetLogger(logger.Component(l, "window"))
	transport.SetLogger(logger.Component(l, "transport"))
	preview.SetLogger(logger.Component(l, "preview"))
	editor.SetLogger(logger.Component(l, "editor"))
	sse.SetLogger(logger.Component(l, "sse"))
}

// openRelay returns the relay storage and a function releasing it.
func openRelay(cfg *config.Config) (relay.Storage, func() error, error) {
	switch cfg.Relay.Backend {
	case "redis":
		store, err := relay.NewRedisStorage(cfg.Relay.RedisURL, relay.RedisOptions{
			Channel:       cfg.Relay.Namespace + ":events",
			MaxValueBytes: cfg.Relay.QuotaBytes,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return relay.NewMemoryStorage(cfg.Relay.QuotaBytes), func() error { return nil }, nil
	}
}

func newAuthProvider(cfg *config.Config) (auth.AuthProvider, *auth.Ed25519AuthProvider, error) {
	if !cfg.Auth.Enabled {
		return auth.NewOpenProvider(model.UserID(cfg.Auth.UserID)), nil, nil
	}
	provider, err := auth.NewEd25519AuthProvider(os.Getenv(cfg.Auth.PublicKeyEnv), "Authorization", model.UserID(cfg.Auth.UserID))
	if err != nil {
		return nil, nil, fmt.Errorf(config.ErrCreateProviderFmt, err)
	}
	return provider, provider, nil
}

func run(ctx context.Context, cfg *config.Config, l zerolog.Logger) error {
	normalizer := normalize.New(normalize.OptionsFromConfig(cfg.Normalizer))
	normalize.SetDefault(normalizer)

	database := db.NewSQLite(cfg.Storage.DatabasePath)
	if err := database.InitDb(); err != nil {
		return fmt.Errorf(config.ErrInitializeDatabaseFmt, err)
	}
	defer database.Close()

	compressor, err := compression.ForName(cfg.Storage.Compression)
	if err != nil {
		return err
	}
	articles := repository.NewDBArticleRepository(database, compressor)
	if err := articles.Init(); err != nil {
		return fmt.Errorf(config.ErrGetArticlesFmt, err)
	}

	store, closeRelay, err := openRelay(cfg)
	if err != nil {
		return fmt.Errorf("open relay: %w", err)
	}
	defer closeRelay()
	relayCh := relay.NewChannel(store, relay.ChannelOptions{
		Namespace: cfg.Relay.Namespace,
		PollMin:   cfg.Preview.PollMin,
		PollMax:   cfg.Preview.PollMax,
	})

	provider, ed25519Provider, err := newAuthProvider(cfg)
	if err != nil {
		return err
	}

	registry := window.NewRegistry(window.DefaultBuffer)
	renderer := render.New(normalizer)
	clients := sse.NewClients()

	previewOpts := preview.OptionsFromConfig(cfg.Preview)
	previewOpts.SyntaxTheme = theme.DefaultSyntaxTheme()

	s := &server{
		log:      logger.Component(l, "server"),
		fs:       content,
		articles: articles,
		renderer: renderer,
		clients:  clients,
		auth:     provider,
		preview:  preview.NewHandler(registry, relayCh, renderer, clients, previewOpts, content),
		editor: editor.NewHandler(draft.NewMemoryRepository(model.NewClock()), articles, provider,
			registry, relayCh, transport.OptionsFromConfig(cfg.Preview), content),
	}
	s.previewDisabled = !cfg.Preview.Enabled
	defer s.editor.CloseAll()

	articles.SetReloadNotifier(s.articleChanged)
	go articles.Watch(ctx, repository.DefaultReloadInterval)
	go s.warmCache(theme.DefaultSyntaxTheme())

	handler, err := s.routes(ed25519Provider)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return l.WithContext(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info().Str("addr", srv.Addr).Str("relay", cfg.Relay.Backend).Bool("auth", cfg.Auth.Enabled).Msg("Listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	l.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
