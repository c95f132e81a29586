// Package util provides content hashing and markdown title extraction.
package util

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/ast"
	"github.com/gomarkdown/markdown/parser"
)

func ContentHash(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

func ContentHashString(content string) string {
	return ContentHash([]byte(content))
}

// MarkdownTitle returns the text of the first level-one heading in md, and
// false when the document has none.
func MarkdownTitle(md []byte) (string, bool) {
	md = markdown.NormalizeNewlines(md)
	p := parser.NewWithExtensions(parser.CommonExtensions)
	doc := markdown.Parse(md, p)

	var title string
	found := false
	ast.WalkFunc(doc, func(node ast.Node, entering bool) ast.WalkStatus {
		if found || !entering {
			return ast.GoToNext
		}
		heading, ok := node.(*ast.Heading)
		if !ok || heading.Level != 1 {
			return ast.GoToNext
		}
		var b bytes.Buffer
		ast.WalkFunc(heading, func(child ast.Node, entering bool) ast.WalkStatus {
			if leaf := child.AsLeaf(); entering && leaf != nil {
				b.Write(leaf.Literal)
			}
			return ast.GoToNext
		})
		title = strings.TrimSpace(b.String())
		found = title != ""
		if found {
			return ast.Terminate
		}
		return ast.GoToNext
	})
	return title, found
}
