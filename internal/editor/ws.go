package editor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/debemdeboas/kbpreview/internal/config"
	"github.com/debemdeboas/kbpreview/internal/model"
	"github.com/debemdeboas/kbpreview/internal/transport"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
	wsQueueSize = 32
	// Larger than any body the editor sends.
	wsReadLimit = 8 << 20
)

// Inbound message types.
const (
	MsgChange       = "change"
	MsgTitle        = "title"
	MsgMetadata     = "metadata"
	MsgOpenPreview  = "open-preview"
	MsgClosePreview = "close-preview"
	MsgPublish      = "publish"
	MsgPing         = "ping"
)

// Outbound message types.
const (
	MsgDraft         = "draft"
	MsgAck           = "ack"
	MsgState         = "state"
	MsgPreviewOpened = "preview-opened"
	MsgPublished     = "published"
	MsgPong          = "pong"
	MsgError         = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type inbound struct {
	Type     string               `json:"type"`
	Body     *string              `json:"body,omitempty"`
	Title    *string              `json:"title,omitempty"`
	Metadata *model.MetadataPatch `json:"metadata,omitempty"`
}

type outbound struct {
	Type         string              `json:"type"`
	Draft        *model.ArticleDraft `json:"draft,omitempty"`
	Timestamp    model.Timestamp     `json:"timestamp,omitempty"`
	State        string              `json:"state,omitempty"`
	Live         bool                `json:"live,omitempty"`
	PreviewToken string              `json:"previewToken,omitempty"`
	PreviewURL   string              `json:"previewUrl,omitempty"`
	ArticleID    string              `json:"articleId,omitempty"`
	URL          string              `json:"url,omitempty"`
	Code         string              `json:"code,omitempty"`
	Message      string              `json:"message,omitempty"`
}

func stateMessage(cs transport.ChannelState) outbound {
	return outbound{
		Type:         MsgState,
		State:        cs.State.String(),
		Live:         cs.Live,
		PreviewToken: cs.PreviewToken,
	}
}

func errorMessage(code, message string) outbound {
	return outbound{Type: MsgError, Code: code, Message: message}
}

// ServeWS mounts an editor session for the draft in the draft cookie for as
// long as the socket is open.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	l := zerolog.Ctx(r.Context())

	d, err := h.draftFromCookie(r)
	if err != nil {
		http.Error(w, config.ErrDraftNotFound, http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Debug().Err(err).Msg("Editor websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		l.Warn().Err(err).Msg("Editor websocket set read deadline failed")
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	writeCh := make(chan outbound, wsQueueSize)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case out := <-writeCh:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	var session *Session
	session = h.openSession(d, func(transport.State) {
		if session != nil {
			push(writeCh, stateMessage(session.ChannelState()))
		}
	})
	defer h.closeSession(session)

	snapshot := session.Draft().Snapshot()
	push(writeCh, outbound{Type: MsgDraft, Draft: &snapshot, ArticleID: string(d.ArticleID())})
	push(writeCh, stateMessage(session.ChannelState()))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.Debug().Err(err).Msg("Editor websocket closed")
			}
			cancel()
			<-writerDone
			return
		}
		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			push(writeCh, errorMessage("invalid_argument", "malformed message"))
			continue
		}
		push(writeCh, h.dispatch(r, session, in))
	}
}

func (h *Handler) dispatch(r *http.Request, s *Session, in inbound) outbound {
	switch strings.ToLower(strings.TrimSpace(in.Type)) {
	case "":
		return errorMessage("invalid_argument", "type is required")

	case MsgPing:
		return outbound{Type: MsgPong}

	case MsgChange:
		if in.Body == nil {
			return errorMessage("invalid_argument", "body is required")
		}
		return outbound{Type: MsgAck, Timestamp: s.SetBody(*in.Body).LogicalTimestamp}

	case MsgTitle:
		if in.Title == nil {
			return errorMessage("invalid_argument", "title is required")
		}
		return outbound{Type: MsgAck, Timestamp: s.SetTitle(*in.Title).LogicalTimestamp}

	case MsgMetadata:
		if in.Metadata == nil {
			return errorMessage("invalid_argument", "metadata is required")
		}
		return outbound{Type: MsgAck, Timestamp: s.PatchMetadata(*in.Metadata).LogicalTimestamp}

	case MsgOpenPreview:
		handle, err := s.OpenPreview()
		if err != nil {
			editorLogger.Warn().Err(err).Msg("Could not open preview")
			return errorMessage("unavailable", err.Error())
		}
		return outbound{
			Type:         MsgPreviewOpened,
			PreviewToken: handle.Token(),
			PreviewURL:   handle.URL(),
		}

	case MsgClosePreview:
		s.ClosePreview()
		return stateMessage(s.ChannelState())

	case MsgPublish:
		article, err := h.Publish(r, s.Draft())
		if errors.Is(err, ErrUnauthorized) {
			return errorMessage("unauthenticated", config.ErrUnauthorized)
		}
		if err != nil {
			editorLogger.Error().Err(err).Msg("Failed to publish draft")
			return errorMessage("internal", config.ErrInternalServerError)
		}
		return outbound{Type: MsgPublished, ArticleID: string(article.ID), URL: ArticleURL(article.ID)}

	default:
		return errorMessage("invalid_argument", "unsupported type: "+in.Type)
	}
}

// push never blocks. When the queue is full the oldest message is dropped.
func push(writeCh chan outbound, out outbound) {
	select {
	case writeCh <- out:
		return
	default:
	}
	select {
	case <-writeCh:
	default:
	}
	select {
	case writeCh <- out:
	default:
	}
}
