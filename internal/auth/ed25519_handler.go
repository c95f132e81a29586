package auth

import (
	"encoding/base64"
	"encoding/json"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/debemdeboas/kbpreview/internal/config"
	"github.com/rs/zerolog"
)

const sessionLifetime = 24 * time.Hour

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

type loginPage struct {
	RedirectURL string
	HeaderName  string
}

// Ed25519ChallengeHandler serves the current challenge on GET and replaces it
// on POST.
func Ed25519ChallengeHandler(provider *Ed25519AuthProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
		case http.MethodPost:
			if err := provider.RefreshChallenge(); err != nil {
				zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to refresh challenge")
				http.Error(w, config.ErrRefreshChallenge, http.StatusInternalServerError)
				return
			}
		default:
			http.Error(w, config.HTTPErrMethodNotAllowed, http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set(config.HCType, config.CTypeJSON)
		_ = json.NewEncoder(w).Encode(challengeResponse{
			Challenge: base64.StdEncoding.EncodeToString(provider.GetChallenge()),
		})
	}
}

// Ed25519VerifyHandler exchanges a signed challenge for the session cookie
// that lets the editor publish and open previews.
func Ed25519VerifyHandler(provider *Ed25519AuthProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, config.HTTPErrMethodNotAllowed, http.StatusMethodNotAllowed)
			return
		}
		l := zerolog.Ctx(r.Context())

		encoded := strings.TrimSpace(r.Header.Get(provider.headerName))
		if encoded == "" {
			http.Error(w, config.ErrAuthHeaderRequired, http.StatusUnauthorized)
			return
		}
		signature, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			l.Warn().Err(err).Msg("Failed to decode signature")
			http.Error(w, config.ErrInvalidSignatureFormat, http.StatusUnauthorized)
			return
		}
		if !provider.Verify(signature) {
			l.Warn().Msg("Signature does not match the current challenge")
			http.Error(w, config.ErrInvalidSignature, http.StatusUnauthorized)
			return
		}

		http.SetCookie(w, sessionCookie(signature, r.TLS != nil))
		w.WriteHeader(http.StatusOK)
	}
}

func sessionCookie(signature []byte, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     config.CookieAuthToken,
		Value:    base64.StdEncoding.EncodeToString(signature),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   secure,
		MaxAge:   int(sessionLifetime.Seconds()),
	}
}

// localRedirect returns target when it is a path on this site, "/" otherwise.
func localRedirect(target string) string {
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return "/"
	}
	return target
}

// Ed25519AuthPageHandler serves the login page. ?redirect= names where to go
// once signed in; ?refresh=true sends htmx back to the login page instead.
func Ed25519AuthPageHandler(provider *Ed25519AuthProvider, tmpl *template.Template) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		page := loginPage{
			RedirectURL: localRedirect(query.Get("redirect")),
			HeaderName:  provider.headerName,
		}

		hxRedirect := page.RedirectURL
		if query.Get("refresh") == "true" {
			hxRedirect = LoginUrlPath
		}
		w.Header().Set(config.HCType, config.CTypeHTML)
		w.Header().Set(config.HHxRedirect, hxRedirect)

		if err := tmpl.ExecuteTemplate(w, config.TemplateNameAuth, page); err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to render login page")
			http.Error(w, config.ErrInternalServerError, http.StatusInternalServerError)
		}
	}
}
