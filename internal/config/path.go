package config

const (
	//? These paths must match the paths in the embed directive

	StaticLocalDir = "static"
	StaticUrlPath  = "/" + StaticLocalDir + "/"

	ArticlesLocalDir = "articles"
	ArticlesUrlPath  = "/" + ArticlesLocalDir + "/"

	PreviewUrlPath = "/preview"

	TemplatesLocalDir = "templates"

	TemplateLayout  = "layout.html"
	TemplateIndex   = "index.html"
	TemplateArticle = "article.html"
	TemplatePreview = "preview.html"
	TemplateEditor  = "editor.html"
	TemplateAuth    = "ed25519_auth.html"

	TemplateNameAuth = "ed25519_auth"
)
