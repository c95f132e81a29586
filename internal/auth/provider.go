// Package auth identifies the author allowed to publish articles.
package auth

import (
	"errors"
	"net/http"

	"github.com/debemdeboas/kbpreview/internal/config"
	"github.com/debemdeboas/kbpreview/internal/model"
	"github.com/rs/zerolog"
)

var authLogger zerolog.Logger

func SetLogger(l zerolog.Logger) {
	authLogger = l
}

var ErrNoUser = errors.New("no user ID in context")

type AuthProvider interface {
	WithHeaderAuthorization() func(http.Handler) http.Handler

	GetUserIDFromSession(r *http.Request) (model.UserID, error)

	// EnforceUserAndGetID writes a 401 and returns an error when the request
	// carries no user.
	EnforceUserAndGetID(w http.ResponseWriter, r *http.Request) (model.UserID, error)
}

// OpenProvider treats every request as coming from one configured user. It
// is used when auth.enabled is false.
type OpenProvider struct {
	userID model.UserID
}

func NewOpenProvider(userID model.UserID) *OpenProvider {
	return &OpenProvider{userID: userID}
}

func (p *OpenProvider) WithHeaderAuthorization() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), p.userID)))
		})
	}
}

func (p *OpenProvider) GetUserIDFromSession(r *http.Request) (model.UserID, error) {
	return p.userID, nil
}

func (p *OpenProvider) EnforceUserAndGetID(w http.ResponseWriter, r *http.Request) (model.UserID, error) {
	return p.userID, nil
}

func userFromContext(r *http.Request) (model.UserID, error) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		zerolog.Ctx(r.Context()).Warn().Msg("No user ID found in context")
		return "", ErrNoUser
	}
	return userID, nil
}

func enforce(w http.ResponseWriter, r *http.Request, userID model.UserID, err error) (model.UserID, error) {
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Unauthorized access attempt")

		w.Header().Add(config.HHxRedirect, LoginUrlPath)
		http.Error(w, config.ErrUnauthorized, http.StatusUnauthorized)
		return "", err
	}
	return userID, nil
}
