// Package routes defines HTTP route constants for the application.
package routes

const (
	// Static and assets
	RobotsPath     = "/robots.txt"
	SyntaxThemeSet = "/syntax-theme/set"
	SyntaxThemeGet = "/syntax-theme/{theme}"

	// Root
	RootPath = "/"

	// Articles
	Article       = "/articles/{id}"
	ArticleEvents = "/articles/{id}/events"

	// Editor
	Editor        = "/editor"
	EditorWS      = "/editor/ws"
	EditorPublish = "/editor/publish"

	// Preview
	Preview            = "/preview"
	PreviewEvents      = "/preview/events"
	PreviewRequestFull = "/preview/request-full"

	// Auth routes
	AuthChallenge = "/auth/challenge"
	AuthVerify    = "/auth/verify"
	AuthLogin     = "/auth/login"

	// Health
	Healthz = "/healthz"
)

// ArticleTopic is the SSE topic article viewers subscribe to for reloads.
func ArticleTopic(id string) string {
	return "article:" + id
}
