package auth

import (
	"fmt"
	"html/template"
	"io/fs"
	"net/http"

	"github.com/debemdeboas/kbpreview/internal/config"
)

const (
	ChallengeUrlPath = "/auth/challenge"
	VerifyUrlPath    = "/auth/verify"
	LoginUrlPath     = "/auth/login"
)

// RegisterEd25519AuthRoutes registers the challenge, verify and login routes.
func RegisterEd25519AuthRoutes(mux *http.ServeMux, provider *Ed25519AuthProvider, fsys fs.FS) error {
	tmpl, err := template.ParseFS(
		fsys,
		config.TemplatesLocalDir+"/"+config.TemplateLayout,
		config.TemplatesLocalDir+"/"+config.TemplateAuth,
	)
	if err != nil {
		return fmt.Errorf("error loading auth template: %w", err)
	}

	mux.HandleFunc(ChallengeUrlPath, Ed25519ChallengeHandler(provider))
	mux.HandleFunc(VerifyUrlPath, Ed25519VerifyHandler(provider))
	mux.HandleFunc(LoginUrlPath, Ed25519AuthPageHandler(provider, tmpl))
	return nil
}
