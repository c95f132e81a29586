package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/debemdeboas/kbpreview/internal/config"
	"github.com/debemdeboas/kbpreview/internal/model"
	"github.com/rs/zerolog"
)

const challengeSize = 32

// Ed25519AuthProvider implements AuthProvider. A request is authenticated
// when it carries a signature of the current challenge.
type Ed25519AuthProvider struct {
	publicKey  ed25519.PublicKey
	headerName string
	cookieName string
	userID     model.UserID

	mu        sync.RWMutex
	challenge []byte
}

func NewEd25519AuthProvider(publicKeyPEM string, headerName string, userID model.UserID) (*Ed25519AuthProvider, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing the public key")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	publicKey, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("key is not an Ed25519 public key")
	}

	challenge, err := newChallenge()
	if err != nil {
		return nil, err
	}

	return &Ed25519AuthProvider{
		publicKey:  publicKey,
		headerName: headerName,
		cookieName: config.CookieAuthToken,
		userID:     userID,
		challenge:  challenge,
	}, nil
}

func newChallenge() ([]byte, error) {
	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("failed to generate challenge: %w", err)
	}
	return challenge, nil
}

// signature returns the decoded signature of r. A header, when present,
// wins over the cookie even if it does not decode.
func (p *Ed25519AuthProvider) signature(r *http.Request) []byte {
	l := zerolog.Ctx(r.Context())

	if p.headerName != "" {
		if authHeader := r.Header.Get(p.headerName); authHeader != "" {
			signature, err := base64.StdEncoding.DecodeString(strings.TrimSpace(authHeader))
			if err != nil {
				l.Debug().Err(err).Msg("Failed to decode signature from header")
				return nil
			}
			return signature
		}
	}

	cookie, err := r.Cookie(p.cookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	signature, err := base64.StdEncoding.DecodeString(cookie.Value)
	if err != nil {
		l.Debug().Err(err).Msg("Failed to decode signature from cookie")
		return nil
	}
	return signature
}

func (p *Ed25519AuthProvider) Verify(signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return ed25519.Verify(p.publicKey, p.challenge, signature)
}

// WithHeaderAuthorization returns middleware that puts the user ID in the
// request context when the request is signed. Unsigned requests pass through
// without one.
func (p *Ed25519AuthProvider) WithHeaderAuthorization() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p.Verify(p.signature(r)) {
				next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), p.userID)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (p *Ed25519AuthProvider) GetUserIDFromSession(r *http.Request) (model.UserID, error) {
	return userFromContext(r)
}

func (p *Ed25519AuthProvider) EnforceUserAndGetID(w http.ResponseWriter, r *http.Request) (model.UserID, error) {
	userID, err := p.GetUserIDFromSession(r)
	return enforce(w, r, userID, err)
}

// GetChallenge returns a copy of the challenge that needs to be signed
func (p *Ed25519AuthProvider) GetChallenge() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]byte(nil), p.challenge...)
}

// RefreshChallenge replaces the challenge, invalidating every issued token.
func (p *Ed25519AuthProvider) RefreshChallenge() error {
	challenge, err := newChallenge()
	if err != nil {
		authLogger.Error().Err(err).Msg("Failed to generate challenge")
		return err
	}
	p.mu.Lock()
	p.challenge = challenge
	p.mu.Unlock()
	return nil
}

func (p *Ed25519AuthProvider) setChallenge(challenge []byte) {
	p.mu.Lock()
	p.challenge = challenge
	p.mu.Unlock()
}
