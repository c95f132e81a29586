package config

const (
	// Database errors
	ErrInitializeDatabaseFmt = "Failed to initialize database: %v"
	ErrGetArticlesFmt        = "Failed to get articles: %v"

	// Auth errors
	ErrCreateProviderFmt      = "Failed to create provider: %v"
	ErrAuthHeaderRequired     = "Authorization header required"
	ErrInvalidSignatureFormat = "Invalid signature format"
	ErrInvalidSignature       = "Invalid signature"
	ErrInternalServerError    = "Internal server error"
	ErrUnauthorized           = "Unauthorized"

	// Editor and preview errors
	ErrDraftNotFound    = "Draft not found"
	ErrArticleNotFound  = "Article not found"
	ErrStreamingUnsup   = "Streaming unsupported"
	ErrPreviewDisabled  = "Live preview is disabled"
	ErrWindowNotFound   = "Preview window not found"
	ErrRefreshChallenge = "Failed to refresh challenge"
)
