// Package draft is the editor's in-memory article draft, the source the
// preview transport reads from on every change.
package draft

import (
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/debemdeboas/kbpreview/internal/model"
)

type DraftID string

// Draft guards one ArticleDraft. Every mutation stamps a new logical
// timestamp and notifies the OnChange listeners, outside the lock.
type Draft struct {
	id    DraftID
	clock *model.Clock

	mu        sync.RWMutex
	state     model.ArticleDraft
	articleID model.ArticleID
	listeners map[int]func(model.ArticleDraft)
	nextID    int
}

func New(id DraftID, clock *model.Clock) *Draft {
	if clock == nil {
		clock = model.NewClock()
	}
	d := &Draft{
		id:        id,
		clock:     clock,
		listeners: make(map[int]func(model.ArticleDraft)),
	}
	d.state.LogicalTimestamp = clock.Next()
	return d
}

func (d *Draft) ID() DraftID { return d.id }

// ArticleID is the published article this draft edits, empty for new ones.
func (d *Draft) ArticleID() model.ArticleID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.articleID
}

func (d *Draft) SetArticleID(id model.ArticleID) {
	d.mu.Lock()
	d.articleID = id
	d.mu.Unlock()
}

func (d *Draft) Snapshot() model.ArticleDraft {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.Clone()
}

func (d *Draft) SetBody(bodyHTML string) model.ArticleDraft {
	return d.mutate(func(s *model.ArticleDraft) { s.BodyHTML = bodyHTML })
}

func (d *Draft) SetTitle(title string) model.ArticleDraft {
	return d.mutate(func(s *model.ArticleDraft) { s.Title = title })
}

func (d *Draft) PatchMetadata(p model.MetadataPatch) model.ArticleDraft {
	return d.mutate(func(s *model.ArticleDraft) { s.Metadata = p.Apply(s.Metadata) })
}

// Load replaces the whole draft, keeping the timestamp monotonic.
func (d *Draft) Load(src model.ArticleDraft) model.ArticleDraft {
	return d.mutate(func(s *model.ArticleDraft) {
		*s = src.Clone()
	})
}

// OnChange registers fn and returns a function that removes it.
func (d *Draft) OnChange(fn func(model.ArticleDraft)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

func (d *Draft) mutate(apply func(*model.ArticleDraft)) model.ArticleDraft {
	d.mu.Lock()
	apply(&d.state)
	sanitizeUTF8(&d.state)
	d.state.LogicalTimestamp = d.clock.Next()
	snap := d.state.Clone()
	listeners := make([]func(model.ArticleDraft), 0, len(d.listeners))
	for _, fn := range d.listeners {
		listeners = append(listeners, fn)
	}
	d.mu.Unlock()

	for _, fn := range listeners {
		fn(snap.Clone())
	}
	return snap
}

// sanitizeUTF8 replaces invalid byte runs with U+FFFD so the draft the editor
// holds is byte-for-byte what survives JSON on the way to the preview.
func sanitizeUTF8(s *model.ArticleDraft) {
	s.Title = validUTF8(s.Title)
	s.BodyHTML = validUTF8(s.BodyHTML)
	m := &s.Metadata
	m.Author = validUTF8(m.Author)
	m.Category = validUTF8(m.Category)
	if slices.ContainsFunc(m.Tags, func(t string) bool { return !utf8.ValidString(t) }) {
		tags := make([]string, len(m.Tags))
		for i, t := range m.Tags {
			tags[i] = validUTF8(t)
		}
		m.Tags = tags
	}
	if h := m.HeaderMedia; h != nil && (!utf8.ValidString(h.URL) || !utf8.ValidString(h.Caption)) {
		m.HeaderMedia = &model.HeaderMedia{URL: validUTF8(h.URL), Kind: h.Kind, Caption: validUTF8(h.Caption)}
	}
}

func validUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}
