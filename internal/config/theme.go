package config

const (
	DefaultSyntaxTheme  string = "gruvbox"
	FallbackSyntaxTheme string = "github"
)
