package editor

import (
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/debemdeboas/kbpreview/internal/auth"
	"github.com/debemdeboas/kbpreview/internal/config"
	"github.com/debemdeboas/kbpreview/internal/draft"
	"github.com/debemdeboas/kbpreview/internal/model"
	"github.com/debemdeboas/kbpreview/internal/relay"
	"github.com/debemdeboas/kbpreview/internal/repository"
	"github.com/debemdeboas/kbpreview/internal/routes"
	"github.com/debemdeboas/kbpreview/internal/transport"
	"github.com/debemdeboas/kbpreview/internal/util"
	"github.com/debemdeboas/kbpreview/internal/window"
)

var ErrUnauthorized = errors.New("publishing requires an authenticated user")

type Handler struct {
	drafts   draft.Repository
	articles repository.ArticleRepository
	auth     auth.AuthProvider
	opener   window.Opener
	relay    *relay.Channel
	opts     transport.Options
	fs       fs.FS

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

func NewHandler(drafts draft.Repository, articles repository.ArticleRepository, provider auth.AuthProvider,
	opener window.Opener, relayCh *relay.Channel, opts transport.Options, fsys fs.FS) *Handler {
	return &Handler{
		drafts:   drafts,
		articles: articles,
		auth:     provider,
		opener:   opener,
		relay:    relayCh,
		opts:     opts,
		fs:       fsys,
		sessions: make(map[*Session]struct{}),
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+routes.Editor, h.ServeEditor)
	mux.HandleFunc("GET "+routes.EditorWS, h.ServeWS)
	mux.HandleFunc("POST "+routes.EditorPublish, h.ServePublish)
}

// Sessions is the number of mounted editors.
func (h *Handler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// CloseAll unmounts every editor session.
func (h *Handler) CloseAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (h *Handler) openSession(d *draft.Draft, onState func(transport.State)) *Session {
	opts := h.opts
	opts.OnState = onState
	s := NewSession(d, h.opener, h.relay, opts)

	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Handler) closeSession(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	s.Close()
}

func (h *Handler) draftFromCookie(r *http.Request) (*draft.Draft, error) {
	cookie, err := r.Cookie(config.CookieDraftID)
	if err != nil {
		return nil, draft.ErrDraftNotFound
	}
	return h.drafts.GetDraft(draft.DraftID(cookie.Value))
}

// ServeEditor serves the editor page for the draft in the draft cookie,
// creating one when there is none. ?article=<id> loads a published article
// into the draft.
func (h *Handler) ServeEditor(w http.ResponseWriter, r *http.Request) {
	l := zerolog.Ctx(r.Context())
	tmpl, err := template.ParseFS(h.fs, config.TemplatesLocalDir+"/"+config.TemplateLayout, config.TemplatesLocalDir+"/"+config.TemplateEditor)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	d, err := h.draftFromCookie(r)
	if err != nil {
		d, err = h.drafts.CreateDraft()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     config.CookieDraftID,
			Value:    string(d.ID()),
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	if id := model.ArticleID(r.URL.Query().Get("article")); id != "" && id != d.ArticleID() {
		article, err := h.articles.ReadArticle(id)
		if errors.Is(err, repository.ErrArticleNotFound) {
			http.Error(w, config.ErrArticleNotFound, http.StatusNotFound)
			return
		}
		if err != nil {
			l.Error().Err(err).Str("article_id", string(id)).Msg("Failed to load article into draft")
			http.Error(w, config.ErrInternalServerError, http.StatusInternalServerError)
			return
		}
		d.Load(article.Draft(0))
		d.SetArticleID(article.ID)
	}

	snapshot := d.Snapshot()
	data := struct {
		*model.PageData
		Draft      model.ArticleDraft
		DraftID    string
		ArticleID  string
		SocketPath string
	}{
		PageData:   model.NewPageData(r),
		Draft:      snapshot,
		DraftID:    string(d.ID()),
		ArticleID:  string(d.ArticleID()),
		SocketPath: routes.EditorWS,
	}
	isEditor := true
	data.IsEditorPage = &isEditor

	w.Header().Set(config.HCType, config.CTypeHTML)
	w.Header().Set(config.HETag, util.ContentHashString(data.DraftID+data.SyntaxTheme+snapshot.LogicalTimestamp.String()))
	if err := tmpl.ExecuteTemplate(w, config.TemplateLayout, data); err != nil {
		l.Error().Err(err).Msg("Failed to render editor template")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Publish stores the draft as a published article: a new one the first
// time, an update of the same article afterwards.
func (h *Handler) Publish(r *http.Request, d *draft.Draft) (*model.Article, error) {
	userID, err := h.auth.GetUserIDFromSession(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return h.publish(userID, d)
}

func (h *Handler) publish(userID model.UserID, d *draft.Draft) (*model.Article, error) {
	snapshot := d.Snapshot()

	if id := d.ArticleID(); id != "" {
		article, err := h.articles.ReadArticle(id)
		switch {
		case err == nil:
			article.Title = snapshot.Title
			article.BodyHTML = snapshot.BodyHTML
			article.Metadata = snapshot.Metadata.Clone()
			article.Format = model.FormatHTML
			if err := h.articles.UpdateArticle(article); err != nil {
				return nil, err
			}
			editorLogger.Info().Str("article_id", string(id)).Str("user_id", string(userID)).Msg("Article updated")
			return article, nil
		case !errors.Is(err, repository.ErrArticleNotFound):
			return nil, err
		}
	}

	article := h.articles.NewArticle()
	article.Title = snapshot.Title
	article.BodyHTML = snapshot.BodyHTML
	article.Metadata = snapshot.Metadata.Clone()
	article.Owner = userID
	if err := h.articles.SaveArticle(article); err != nil {
		return nil, err
	}
	d.SetArticleID(article.ID)

	editorLogger.Info().Str("article_id", string(article.ID)).Str("user_id", string(userID)).Msg("Article published")
	return article, nil
}

// ServePublish publishes the draft in the draft cookie. It is the form
// fallback of the websocket publish message.
func (h *Handler) ServePublish(w http.ResponseWriter, r *http.Request) {
	l := zerolog.Ctx(r.Context())

	userID, err := h.auth.EnforceUserAndGetID(w, r)
	if err != nil {
		return
	}

	d, err := h.draftFromCookie(r)
	if err != nil {
		http.Error(w, config.ErrDraftNotFound, http.StatusNotFound)
		return
	}

	article, err := h.publish(userID, d)
	if err != nil {
		l.Error().Err(err).Msg("Failed to publish draft")
		http.Error(w, config.ErrInternalServerError, http.StatusInternalServerError)
		return
	}

	url := ArticleURL(article.ID)
	w.Header().Set(config.HHxRedirect, url)
	http.Redirect(w, r, url, http.StatusSeeOther)
}

func ArticleURL(id model.ArticleID) string {
	return config.ArticlesUrlPath + string(id)
}
