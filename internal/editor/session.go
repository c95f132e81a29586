// Package editor binds an editor draft to its preview transport and serves
// the editor page and websocket.
package editor

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/debemdeboas/kbpreview/internal/draft"
	"github.com/debemdeboas/kbpreview/internal/model"
	"github.com/debemdeboas/kbpreview/internal/relay"
	"github.com/debemdeboas/kbpreview/internal/transport"
	"github.com/debemdeboas/kbpreview/internal/window"
)

var editorLogger zerolog.Logger

func SetLogger(l zerolog.Logger) {
	editorLogger = l
}

// Session is one mounted editor. Every draft change is published to the
// preview transport until Close.
type Session struct {
	draft   *draft.Draft
	manager *transport.Manager

	mu          sync.Mutex
	unsubscribe func()
	closed      bool
}

func NewSession(d *draft.Draft, opener window.Opener, relayCh *relay.Channel, opts transport.Options) *Session {
	s := &Session{
		draft:   d,
		manager: transport.NewManager(opener, relayCh, opts),
	}
	s.unsubscribe = d.OnChange(s.manager.Publish)
	return s
}

func (s *Session) Draft() *draft.Draft {
	return s.draft
}

func (s *Session) SetBody(body string) model.ArticleDraft {
	return s.draft.SetBody(body)
}

func (s *Session) SetTitle(title string) model.ArticleDraft {
	return s.draft.SetTitle(title)
}

func (s *Session) PatchMetadata(p model.MetadataPatch) model.ArticleDraft {
	return s.draft.PatchMetadata(p)
}

// OpenPreview opens (or replaces) the preview window and returns its handle.
// The token is the name the page gives the browser window.
func (s *Session) OpenPreview() (*window.Handle, error) {
	return s.manager.OpenPreview(s.draft.Snapshot())
}

func (s *Session) ClosePreview() {
	s.manager.ClosePreview()
}

func (s *Session) ChannelState() transport.ChannelState {
	return s.manager.ChannelState()
}

func (s *Session) Stats() transport.Stats {
	return s.manager.Stats()
}

// Close stops publishing and tears down the preview transport. The draft
// itself survives for the next session.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	unsubscribe()
	s.manager.Close()
	editorLogger.Debug().Str("draft_id", string(s.draft.ID())).Msg("Editor session closed")
}
