package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/debemdeboas/kbpreview/internal/auth"
	"github.com/debemdeboas/kbpreview/internal/cache"
	"github.com/debemdeboas/kbpreview/internal/config"
	"github.com/debemdeboas/kbpreview/internal/db"
	"github.com/debemdeboas/kbpreview/internal/draft"
	"github.com/debemdeboas/kbpreview/internal/editor"
	"github.com/debemdeboas/kbpreview/internal/model"
	"github.com/debemdeboas/kbpreview/internal/preview"
	"github.com/debemdeboas/kbpreview/internal/relay"
	"github.com/debemdeboas/kbpreview/internal/render"
	"github.com/debemdeboas/kbpreview/internal/repository"
	"github.com/debemdeboas/kbpreview/internal/routes"
	"github.com/debemdeboas/kbpreview/internal/sse"
	"github.com/debemdeboas/kbpreview/internal/transport"
	"github.com/debemdeboas/kbpreview/internal/window"
)

func newTestServer(t *testing.T) (*server, http.Handler) {
	t.Helper()

	database := db.NewSQLite(db.InMemory)
	if err := database.InitDb(); err != nil {
		t.Fatalf("Failed to init database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	articles := repository.NewDBArticleRepository(database, nil)
	if err := articles.Init(); err != nil {
		t.Fatalf("Failed to init repository: %v", err)
	}

	relayCh := relay.NewChannel(relay.NewMemoryStorage(0), relay.ChannelOptions{Namespace: "test"})
	registry := window.NewRegistry(window.DefaultBuffer)
	renderer := render.New(nil)
	clients := sse.NewClients()
	provider := auth.NewOpenProvider("admin")

	s := &server{
		log:      zerolog.Nop(),
		fs:       content,
		articles: articles,
		renderer: renderer,
		clients:  clients,
		auth:     provider,
		preview:  preview.NewHandler(registry, relayCh, renderer, clients, preview.Options{}, content),
		editor: editor.NewHandler(draft.NewMemoryRepository(model.NewClock()), articles, provider,
			registry, relayCh, transport.OptionsFromConfig(config.Default().Preview), content),
	}
	t.Cleanup(s.editor.CloseAll)
	articles.SetReloadNotifier(s.articleChanged)

	handler, err := s.routes(nil)
	if err != nil {
		t.Fatalf("Failed to build routes: %v", err)
	}
	return s, handler
}

func saveArticle(t *testing.T, s *server, title, body string) *model.Article {
	t.Helper()
	a := s.articles.NewArticle()
	a.Title = title
	a.BodyHTML = body
	a.Owner = "admin"
	a.Metadata.Author = "Ada"
	a.Metadata.Tags = []string{"go"}
	if err := s.articles.SaveArticle(a); err != nil {
		t.Fatalf("Failed to save article: %v", err)
	}
	return a
}

func TestServeIndex(t *testing.T) {
	s, handler := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "No articles yet") {
		t.Errorf("Expected empty index, got %s", rr.Body.String())
	}
	emptyETag := rr.Header().Get(config.HETag)

	a := saveArticle(t, s, "First steps", "<p>Hello</p>")

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.Contains(rr.Body.String(), "First steps") {
		t.Errorf("Expected article title in index")
	}
	if !strings.Contains(rr.Body.String(), config.ArticlesUrlPath+string(a.ID)) {
		t.Errorf("Expected article link in index")
	}
	if rr.Header().Get(config.HETag) == emptyETag {
		t.Error("Expected ETag to change when articles change")
	}
}

func TestUnknownPathIsNotFound(t *testing.T) {
	_, handler := newTestServer(t)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/no/such/page", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}

func TestServeArticle(t *testing.T) {
	s, handler := newTestServer(t)
	a := saveArticle(t, s, "Video guide", `<p>Intro</p><video src="/media/clip.mp4"></video>`)

	t.Run("Renders normalized body", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, config.ArticlesUrlPath+string(a.ID), nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		body := rr.Body.String()
		for _, want := range []string{"Video guide", "Ada", `type="video/webm"`, "data-fallback-href", "/events"} {
			if !strings.Contains(body, want) {
				t.Errorf("Expected page to contain %q", want)
			}
		}
		if rr.Header().Get("X-Frame-Options") != "deny" {
			t.Errorf("Expected framing to be denied, got %q", rr.Header().Get("X-Frame-Options"))
		}
	})

	t.Run("Owner can edit", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, config.ArticlesUrlPath+string(a.ID), nil))
		if !strings.Contains(rr.Body.String(), routes.Editor+"?article="+string(a.ID)) {
			t.Error("Expected an edit link for the owner")
		}
	})

	t.Run("Missing article", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, config.ArticlesUrlPath+"missing", nil))
		if rr.Code != http.StatusNotFound {
			t.Errorf("Expected status 404, got %d", rr.Code)
		}
	})
}

func TestArticleChangedNotifiesViewers(t *testing.T) {
	s, _ := newTestServer(t)
	a := saveArticle(t, s, "Draft", "<p>v1</p>")

	client := sse.NewClient(routes.ArticleTopic(string(a.ID)), 1)
	other := sse.NewClient(routes.ArticleTopic("other"), 1)
	s.clients.Add(client)
	s.clients.Add(other)
	defer s.clients.Delete(client)
	defer s.clients.Delete(other)

	a.BodyHTML = "<p>v2</p>"
	if err := s.articles.UpdateArticle(a); err != nil {
		t.Fatalf("Failed to update article: %v", err)
	}

	select {
	case ev := <-client.Msg:
		if ev.Name != "reload" || ev.Data != string(a.ID) {
			t.Errorf("Unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a reload event")
	}

	select {
	case ev := <-other.Msg:
		t.Errorf("Viewer of another article got %+v", ev)
	default:
	}
}

func TestServeArticleEventsMissing(t *testing.T) {
	_, handler := newTestServer(t)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/articles/missing/events", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}

func TestSyntaxTheme(t *testing.T) {
	_, handler := newTestServer(t)

	testCases := []struct {
		name         string
		req          func() *http.Request
		expectedCode int
		expectCookie bool
	}{
		{
			name: "Set known theme",
			req: func() *http.Request {
				form := url.Values{"syntax-theme-select": {"monokai"}}
				r := httptest.NewRequest(http.MethodPost, routes.SyntaxThemeSet, strings.NewReader(form.Encode()))
				r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				return r
			},
			expectedCode: http.StatusOK,
			expectCookie: true,
		},
		{
			name: "Set without theme",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, routes.SyntaxThemeSet, strings.NewReader(""))
				r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				return r
			},
			expectedCode: http.StatusBadRequest,
		},
		{
			name: "Set unknown theme",
			req: func() *http.Request {
				form := url.Values{"syntax-theme-select": {"no-such-theme"}}
				r := httptest.NewRequest(http.MethodPost, routes.SyntaxThemeSet, strings.NewReader(form.Encode()))
				r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				return r
			},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "Get known theme",
			req:          func() *http.Request { return httptest.NewRequest(http.MethodGet, "/syntax-theme/github", nil) },
			expectedCode: http.StatusOK,
		},
		{
			name:         "Get unknown theme",
			req:          func() *http.Request { return httptest.NewRequest(http.MethodGet, "/syntax-theme/no-such-theme", nil) },
			expectedCode: http.StatusNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, tc.req())

			if rr.Code != tc.expectedCode {
				t.Fatalf("Expected status %d, got %d", tc.expectedCode, rr.Code)
			}
			if tc.expectedCode == http.StatusOK {
				if rr.Header().Get(config.HCType) != config.CTypeCSS {
					t.Errorf("Expected CSS content type, got %q", rr.Header().Get(config.HCType))
				}
				if rr.Header().Get(config.HETag) == "" {
					t.Error("Expected an ETag")
				}
			}

			hasCookie := false
			for _, c := range rr.Result().Cookies() {
				if c.Name == config.CookieSyntaxTheme {
					hasCookie = true
				}
			}
			if hasCookie != tc.expectCookie {
				t.Errorf("Expected cookie %v, got %v", tc.expectCookie, hasCookie)
			}
		})
	}
}

func TestRobotsAndHealthz(t *testing.T) {
	_, handler := newTestServer(t)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, routes.RobotsPath, nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "User-agent") {
		t.Errorf("Unexpected robots.txt response %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Frame-Options") != "" {
		t.Error("Expected robots.txt to skip secure headers")
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, routes.Healthz, nil))
	var health map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &health); err != nil || health["status"] != "ok" {
		t.Errorf("Unexpected healthz response %q", rr.Body.String())
	}
}

func TestStaticFilesAreHashed(t *testing.T) {
	_, handler := newTestServer(t)

	path := config.StaticUrlPath + "preview.js"
	hash, ok := cache.GetStaticHash(path)
	if !ok {
		t.Fatalf("Expected a hash for %s", path)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get(config.HETag) != hash {
		t.Errorf("Expected ETag %q, got %q", hash, rr.Header().Get(config.HETag))
	}
	if rr.Header().Get(config.HCacheControl) != "public, max-age=3600" {
		t.Errorf("Unexpected cache control %q", rr.Header().Get(config.HCacheControl))
	}
}

func TestPreviewPageMayBeFramed(t *testing.T) {
	_, handler := newTestServer(t)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, routes.Preview, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Frame-Options") != "sameorigin" {
		t.Errorf("Expected same-origin framing, got %q", rr.Header().Get("X-Frame-Options"))
	}
	if !strings.Contains(rr.Body.String(), "preview.js") {
		t.Error("Expected the preview script")
	}
}

func TestPreviewDisabled(t *testing.T) {
	s, _ := newTestServer(t)
	s.previewDisabled = true
	handler, err := s.routes(nil)
	if err != nil {
		t.Fatalf("Failed to build routes: %v", err)
	}

	for _, path := range []string{routes.Preview, routes.PreviewEvents} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusNotFound || !strings.Contains(rr.Body.String(), config.ErrPreviewDisabled) {
			t.Errorf("%s: expected disabled response, got %d %q", path, rr.Code, rr.Body.String())
		}
	}
}

func TestEditorWebsocketThroughMiddleware(t *testing.T) {
	_, handler := newTestServer(t)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	res, err := http.Get(srv.URL + routes.Editor)
	if err != nil {
		t.Fatalf("Failed to load editor: %v", err)
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", res.StatusCode)
	}

	var cookie *http.Cookie
	for _, c := range res.Cookies() {
		if c.Name == config.CookieDraftID {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("Expected a draft cookie")
	}

	header := http.Header{}
	header.Set("Cookie", cookie.String())
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+routes.EditorWS, header)
	if err != nil {
		t.Fatalf("Failed to dial editor socket: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read first message: %v", err)
	}
	if msg.Type != editor.MsgDraft {
		t.Errorf("Expected first message %q, got %q", editor.MsgDraft, msg.Type)
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf).Level(zerolog.DebugLevel)

	var flushable bool
	h := requestLogger(l, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
		zerolog.Ctx(r.Context()).Info().Msg("inside")
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "short")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/editor/publish", nil))

	id := rr.Header().Get(RequestIDHeader)
	if id == "" {
		t.Fatal("Expected a request id header")
	}
	if !flushable {
		t.Error("Expected the wrapped writer to keep http.Flusher for event streams")
	}

	var lines []map[string]any
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("Expected JSON log line, got %q: %v", scanner.Text(), err)
		}
		lines = append(lines, entry)
	}
	if len(lines) != 2 {
		t.Fatalf("Expected handler and access lines, got %d", len(lines))
	}
	for _, entry := range lines {
		if entry["request_id"] != id {
			t.Errorf("Expected request_id %q, got %v", id, entry["request_id"])
		}
		if entry["method"] != http.MethodPost || entry["path"] != "/editor/publish" {
			t.Errorf("Expected method and path fields, got %v", entry)
		}
	}
	access := lines[1]
	if access["status"] != float64(http.StatusTeapot) || access["size"] != float64(len("short")) {
		t.Errorf("Unexpected access line %v", access)
	}
}
