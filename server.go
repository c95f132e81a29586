package main

import (
	"errors"
	"html/template"
	"io/fs"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/debemdeboas/kbpreview/internal/auth"
	"github.com/debemdeboas/kbpreview/internal/cache"
	"github.com/debemdeboas/kbpreview/internal/config"
	"github.com/debemdeboas/kbpreview/internal/editor"
	"github.com/debemdeboas/kbpreview/internal/model"
	"github.com/debemdeboas/kbpreview/internal/preview"
	"github.com/debemdeboas/kbpreview/internal/render"
	"github.com/debemdeboas/kbpreview/internal/repository"
	"github.com/debemdeboas/kbpreview/internal/routes"
	"github.com/debemdeboas/kbpreview/internal/sse"
	"github.com/debemdeboas/kbpreview/internal/theme"
	"github.com/debemdeboas/kbpreview/internal/util"
)

type server struct {
	log      zerolog.Logger
	fs       fs.FS
	articles repository.ArticleRepository
	renderer *render.Renderer
	clients  *sse.Clients
	auth     auth.AuthProvider
	preview  *preview.Handler
	editor   *editor.Handler

	previewDisabled bool
}

// routes builds the full handler. ed25519Provider is nil when auth is
// disabled, in which case the login routes are not mounted.
func (s *server) routes(ed25519Provider *auth.Ed25519AuthProvider) (http.Handler, error) {
	static, err := fs.Sub(s.fs, config.StaticLocalDir)
	if err != nil {
		return nil, err
	}
	hashStatic(static)

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+routes.RobotsPath, serveRobots)
	mux.HandleFunc("GET "+routes.Healthz, serveHealthz)
	mux.Handle("GET "+config.StaticUrlPath, http.StripPrefix(config.StaticUrlPath, http.FileServer(http.FS(static))))
	mux.HandleFunc("POST "+routes.SyntaxThemeSet, serveSyntaxThemePostSet)
	mux.HandleFunc("GET "+routes.SyntaxThemeGet, serveSyntaxThemeGetTheme)

	mux.HandleFunc("GET /{$}", s.serveIndex)
	mux.HandleFunc("GET "+routes.Article, s.serveArticle)
	mux.HandleFunc("GET "+routes.ArticleEvents, s.serveArticleEvents)

	if s.previewDisabled {
		for _, path := range []string{routes.Preview, routes.PreviewEvents, routes.PreviewRequestFull} {
			mux.HandleFunc(path, servePreviewDisabled)
		}
	} else {
		s.preview.Register(mux)
	}
	s.editor.Register(mux)

	if ed25519Provider != nil {
		if err := auth.RegisterEd25519AuthRoutes(mux, ed25519Provider, s.fs); err != nil {
			return nil, err
		}
	}

	secured := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == routes.RobotsPath {
			mux.ServeHTTP(w, r)
			return
		}
		secureHeaders(mux.ServeHTTP)(w, r)
	})

	return requestLogger(s.log, cacheIt(s.auth.WithHeaderAuthorization()(secured).ServeHTTP)), nil
}

// hashStatic records an ETag for every embedded static file.
func hashStatic(static fs.FS) {
	fs.WalkDir(static, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := fs.ReadFile(static, path)
		if err != nil {
			return err
		}
		cache.SetStaticHash(config.StaticUrlPath+path, util.ContentHash(data))
		return nil
	})
}

func (s *server) template(page string) (*template.Template, error) {
	return template.ParseFS(s.fs, config.TemplatesLocalDir+"/"+config.TemplateLayout, config.TemplatesLocalDir+"/"+page)
}

func (s *server) serveIndex(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.template(config.TemplateIndex)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	articles := s.articles.ListArticles()
	data := struct {
		*model.PageData
		ArticlesPath string
		Articles     []model.Article
	}{
		PageData:     model.NewPageData(r),
		ArticlesPath: config.ArticlesUrlPath,
		Articles:     articles,
	}

	etag := data.SyntaxTheme
	for _, a := range articles {
		etag += a.ContentHash
	}
	w.Header().Set(config.HETag, util.ContentHashString(etag))
	w.Header().Set(config.HCType, config.CTypeHTML)

	if err := tmpl.ExecuteTemplate(w, config.TemplateLayout, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *server) serveArticle(w http.ResponseWriter, r *http.Request) {
	id := model.ArticleID(r.PathValue("id"))
	article, err := s.articles.ReadArticle(id)
	if errors.Is(err, repository.ErrArticleNotFound) {
		http.Error(w, config.ErrArticleNotFound, http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	tmpl, err := s.template(config.TemplateArticle)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	pageData := model.NewPageData(r)
	article.Content = s.renderer.RenderArticle(article, pageData.SyntaxTheme)

	userID, _ := s.auth.GetUserIDFromSession(r)
	data := struct {
		*model.PageData
		Article   *model.Article
		EventsURL string
		EditURL   string
		CanEdit   bool
	}{
		PageData:  pageData,
		Article:   article,
		EventsURL: config.ArticlesUrlPath + string(id) + "/events",
		EditURL:   routes.Editor + "?article=" + string(id),
		CanEdit:   userID != "" && userID == article.Owner,
	}

	w.Header().Set(config.HETag, util.ContentHashString(article.ContentHash+pageData.SyntaxTheme))
	w.Header().Set(config.HCType, config.CTypeHTML)
	if err := tmpl.ExecuteTemplate(w, config.TemplateLayout, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// serveArticleEvents streams a reload event whenever the article changes.
func (s *server) serveArticleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.articles.ReadArticle(model.ArticleID(id)); err != nil {
		http.Error(w, config.ErrArticleNotFound, http.StatusNotFound)
		return
	}

	log := zerolog.Ctx(r.Context())
	client := sse.NewClient(routes.ArticleTopic(id), sse.DefaultBuffer)
	s.clients.Add(client)
	log.Debug().Str("article", id).Msg("Article viewer connected")
	defer func() {
		s.clients.Delete(client)
		log.Debug().Str("article", id).Msg("Article viewer disconnected")
	}()

	err := sse.Serve(w, r, client, sse.Event{Name: "connected", Data: id})
	if errors.Is(err, sse.ErrStreamingUnsupported) {
		http.Error(w, config.ErrStreamingUnsup, http.StatusInternalServerError)
	}
}

// articleChanged tells viewers of id to reload and renders the new body
// ahead of their requests.
func (s *server) articleChanged(id model.ArticleID) {
	n := s.clients.Broadcast(routes.ArticleTopic(string(id)), sse.Event{Name: "reload", Data: string(id)})
	s.log.Debug().Str("article", string(id)).Int("viewers", n).Msg("Article changed")

	article, err := s.articles.ReadArticle(id)
	if err != nil {
		return
	}
	go s.renderer.RenderArticle(article, theme.DefaultSyntaxTheme())
}

func (s *server) warmCache(syntaxTheme string) {
	for _, a := range s.articles.ListArticles() {
		s.renderer.RenderArticle(&a, syntaxTheme)
	}
}

func servePreviewDisabled(w http.ResponseWriter, r *http.Request) {
	http.Error(w, config.ErrPreviewDisabled, http.StatusNotFound)
}

func serveRobots(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(config.HCType, "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("User-agent: *\nDisallow: /editor\nDisallow: /preview\n"))
}

func serveHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(config.HCType, config.CTypeJSON)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func serveSyntaxThemePostSet(w http.ResponseWriter, r *http.Request) {
	currTheme := r.FormValue("syntax-theme-select")
	if currTheme == "" {
		http.Error(w, "theme required", http.StatusBadRequest)
		return
	}
	if !theme.IsKnown(currTheme) {
		http.Error(w, "unknown theme", http.StatusBadRequest)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     config.CookieSyntaxTheme,
		Value:    currTheme,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	writeSyntaxCSS(w, currTheme)
}

func serveSyntaxThemeGetTheme(w http.ResponseWriter, r *http.Request) {
	currTheme := r.PathValue("theme")
	if !theme.IsKnown(currTheme) {
		http.NotFound(w, r)
		return
	}
	writeSyntaxCSS(w, currTheme)
}

func writeSyntaxCSS(w http.ResponseWriter, syntaxTheme string) {
	themeStyle := []byte(theme.GenerateSyntaxCSS(syntaxTheme))
	w.Header().Set(config.HCType, config.CTypeCSS)
	w.Header().Set(config.HETag, util.ContentHash(themeStyle))
	w.WriteHeader(http.StatusOK)
	w.Write(themeStyle)
}

func cacheIt(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(config.HCacheControl, "no-cache")
		w.Header().Set("Vary", "Cookie")

		if hash, ok := cache.GetStaticHash(r.URL.Path); ok {
			w.Header().Set(config.HCacheControl, "public, max-age=3600")
			w.Header().Set(config.HETag, hash)
		}

		h(w, r)
	}
}

// secureHeaders allows the preview window to be framed by the same origin
// only; every other page denies framing.
func secureHeaders(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == routes.Preview {
			w.Header().Set("X-Frame-Options", "sameorigin")
		} else {
			w.Header().Set("X-Frame-Options", "deny")
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "same-origin")

		h(w, r)
	}
}

// RequestIDHeader carries the id every log line of a request is tagged with.
const RequestIDHeader = "X-Request-Id"

// requestLogger attaches a request-scoped logger to the context and logs
// each request once it completes.
func requestLogger(l zerolog.Logger, h http.Handler) http.Handler {
	h = hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("Request handled")
	})(h)
	h = hlog.MethodHandler("method")(h)
	h = hlog.URLHandler("path")(h)
	h = hlog.RequestIDHandler("request_id", RequestIDHeader)(h)
	return hlog.NewHandler(l)(h)
}
