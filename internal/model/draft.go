package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type MediaKind int

const (
	MediaImage MediaKind = iota
	MediaVideo
)

func (k MediaKind) String() string {
	switch k {
	case MediaVideo:
		return "video"
	default:
		return "image"
	}
}

func ParseMediaKind(s string) (MediaKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "image", "":
		return MediaImage, nil
	case "video":
		return MediaVideo, nil
	}
	return MediaImage, fmt.Errorf("unknown media kind %q", s)
}

func (k MediaKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON accepts unknown kinds as images so a foreign payload still renders.
func (k *MediaKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	kind, err := ParseMediaKind(s)
	if err != nil {
		*k = MediaImage
		return nil
	}
	*k = kind
	return nil
}

type HeaderMedia struct {
	URL     string    `json:"url"`
	Kind    MediaKind `json:"kind"`
	Caption string    `json:"caption,omitempty"`
}

type Metadata struct {
	Author          string       `json:"author"`
	Category        string       `json:"category"`
	Tags            []string     `json:"tags"`
	PublicationDate time.Time    `json:"publicationDate"`
	HeaderMedia     *HeaderMedia `json:"headerMedia,omitempty"`
}

func (m Metadata) Clone() Metadata {
	c := m
	if m.Tags != nil {
		c.Tags = append([]string(nil), m.Tags...)
	}
	if m.HeaderMedia != nil {
		hm := *m.HeaderMedia
		c.HeaderMedia = &hm
	}
	return c
}

// MetadataPatch is a partial metadata update from the editor surface.
// Nil fields are left untouched. ClearHeaderMedia removes the header media.
type MetadataPatch struct {
	Author           *string      `json:"author,omitempty"`
	Category         *string      `json:"category,omitempty"`
	Tags             *[]string    `json:"tags,omitempty"`
	PublicationDate  *time.Time   `json:"publicationDate,omitempty"`
	HeaderMedia      *HeaderMedia `json:"headerMedia,omitempty"`
	ClearHeaderMedia bool         `json:"clearHeaderMedia,omitempty"`
}

func (p MetadataPatch) Apply(m Metadata) Metadata {
	out := m.Clone()
	if p.Author != nil {
		out.Author = *p.Author
	}
	if p.Category != nil {
		out.Category = *p.Category
	}
	if p.Tags != nil {
		out.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.PublicationDate != nil {
		out.PublicationDate = *p.PublicationDate
	}
	if p.ClearHeaderMedia {
		out.HeaderMedia = nil
	} else if p.HeaderMedia != nil {
		hm := *p.HeaderMedia
		out.HeaderMedia = &hm
	}
	return out
}

// ArticleDraft is the unit of synchronization between the editor and its previews.
// BodyHTML is raw editor output and is never assumed to be well-formed.
type ArticleDraft struct {
	Title            string    `json:"title"`
	BodyHTML         string    `json:"bodyHtml"`
	Metadata         Metadata  `json:"metadata"`
	LogicalTimestamp Timestamp `json:"logicalTimestamp"`
}

func (d ArticleDraft) Clone() ArticleDraft {
	c := d
	c.Metadata = d.Metadata.Clone()
	return c
}
