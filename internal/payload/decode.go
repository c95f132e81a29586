package payload

import (
	"strings"

	"github.com/debemdeboas/kbpreview/internal/model"
)

// View is the renderable projection of a payload at any level.
type View struct {
	Title     string
	BodyHTML  string
	Metadata  model.Metadata
	Level     Level
	Timestamp model.Timestamp
	// Complete is false when part of the body was omitted.
	Complete bool
}

const untitled = "Untitled draft"

// Decode accepts payloads at every level and always returns something
// renderable.
func Decode(p Payload) View {
	level := p.EffectiveLevel()
	v := View{
		Title:     strings.TrimSpace(p.Title),
		BodyHTML:  p.BodyHTML,
		Metadata:  p.Metadata.Clone(),
		Level:     level,
		Timestamp: p.Timestamp,
		Complete:  level == Full,
	}
	if v.Title == "" {
		v.Title = untitled
	}
	if v.Metadata.Tags == nil {
		v.Metadata.Tags = []string{}
	}
	if level == MinimalMetadataOnly {
		v.BodyHTML = Placeholder
	}
	return v
}

// DecodeBytes parses and decodes data. A payload that cannot be parsed
// yields a MinimalMetadataOnly view and ok is false.
func DecodeBytes(data []byte) (v View, ok bool) {
	p, err := Parse(data)
	if err != nil {
		return Decode(Payload{Level: MinimalMetadataOnly}), false
	}
	return Decode(p), true
}

// Draft returns the view as a draft.
func (v View) Draft() model.ArticleDraft {
	return model.ArticleDraft{
		Title:            v.Title,
		BodyHTML:         v.BodyHTML,
		Metadata:         v.Metadata.Clone(),
		LogicalTimestamp: v.Timestamp,
	}
}
