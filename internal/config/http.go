package config

const (
	HCType        = "Content-Type"
	HETag         = "ETag"
	HCacheControl = "Cache-Control"
	HHxRedirect   = "Hx-Redirect"

	CTypeCSS         = "text/css"
	CTypeHTML        = "text/html"
	CTypeJSON        = "application/json"
	CTypeEventStream = "text/event-stream"
)

const (
	HTTPErrMethodNotAllowed = "Method not allowed"
)

const (
	CookieSyntaxTheme = "syntax-theme"
	CookieDraftID     = "draft-id"
	CookieAuthToken   = "auth_token"
)
