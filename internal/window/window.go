// Package window is the direct channel between an editor session and the
// preview it opened: an in-process message pair standing in for a window
// handle and its postMessage listener.
package window

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/debemdeboas/kbpreview/internal/model"
)

var windowLogger zerolog.Logger

func SetLogger(l zerolog.Logger) {
	windowLogger = l
}

var (
	ErrClosed   = errors.New("window closed")
	ErrNotFound = errors.New("window not found")
	ErrAttached = errors.New("window already attached")
)

type MessageType string

const (
	DraftUpdate MessageType = "draft-update"
	Ready       MessageType = "ready"
	RequestFull MessageType = "request-full"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp model.Timestamp `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

const DefaultBuffer = 16

// Opener opens a preview window at url. The returned handle is the only
// reference the opener gets.
type Opener interface {
	Open(url string) (*Handle, error)
}

type window struct {
	token string
	url   string
	reg   *Registry

	mu       sync.Mutex
	attached bool
	closed   bool
	dropped  int

	toPreview chan Message
	toEditor  chan Message
	done      chan struct{}
}

// post queues m on ch. A full queue loses its oldest message.
func (w *window) post(ch chan Message, m Message, requireAttached bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if requireAttached && !w.attached {
		windowLogger.Debug().Str("window", w.token).Str("type", string(m.Type)).Msg("No listener attached, message dropped")
		return nil
	}
	for {
		select {
		case ch <- m:
			return nil
		default:
		}
		select {
		case old := <-ch:
			w.dropped++
			windowLogger.Debug().Str("window", w.token).Str("type", string(old.Type)).Msg("Window queue full, dropped oldest message")
		default:
		}
	}
}

func (w *window) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.done)
	w.mu.Unlock()

	w.reg.forget(w.token)
}

func (w *window) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Handle is the editor's reference to an opened preview.
type Handle struct {
	w *window
}

func (h *Handle) Token() string { return h.w.token }

func (h *Handle) URL() string { return h.w.url }

// Post sends m to the preview. Messages sent before the preview attached
// are dropped without error. After the window closed it returns ErrClosed.
func (h *Handle) Post(m Message) error {
	return h.w.post(h.w.toPreview, m, true)
}

// Messages carries what the preview posts back (ready, request-full).
func (h *Handle) Messages() <-chan Message { return h.w.toEditor }

func (h *Handle) Done() <-chan struct{} { return h.w.done }

func (h *Handle) Closed() bool { return h.w.isClosed() }

func (h *Handle) Attached() bool {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	return h.w.attached && !h.w.closed
}

// Dropped counts messages lost to a full queue in either direction.
func (h *Handle) Dropped() int {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	return h.w.dropped
}

func (h *Handle) Close() { h.w.close() }

// Port is the preview side of a window.
type Port struct {
	w *window
}

func (p *Port) Token() string { return p.w.token }

func (p *Port) Post(m Message) error {
	return p.w.post(p.w.toEditor, m, false)
}

func (p *Port) Messages() <-chan Message { return p.w.toPreview }

func (p *Port) Done() <-chan struct{} { return p.w.done }

func (p *Port) Close() { p.w.close() }

// Registry creates windows and lets previews attach to them by token.
type Registry struct {
	mu      sync.Mutex
	buffer  int
	windows map[string]*window
}

func NewRegistry(buffer int) *Registry {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Registry{buffer: buffer, windows: make(map[string]*window)}
}

func (r *Registry) Open(url string) (*Handle, error) {
	w := &window{
		token:     uuid.NewString(),
		url:       url,
		reg:       r,
		toPreview: make(chan Message, r.buffer),
		toEditor:  make(chan Message, r.buffer),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	r.windows[w.token] = w
	r.mu.Unlock()

	windowLogger.Debug().Str("window", w.token).Str("url", url).Msg("Opened preview window")
	return &Handle{w: w}, nil
}

// Attach binds the preview for token. Each window takes one preview.
func (r *Registry) Attach(token string) (*Port, error) {
	r.mu.Lock()
	w, ok := r.windows[token]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrNotFound
	}
	if w.attached {
		return nil, ErrAttached
	}
	w.attached = true
	return &Port{w: w}, nil
}

// Forget closes the window for token, if any.
func (r *Registry) Forget(token string) {
	r.mu.Lock()
	w, ok := r.windows[token]
	r.mu.Unlock()
	if ok {
		w.close()
	}
}

func (r *Registry) forget(token string) {
	r.mu.Lock()
	delete(r.windows, token)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}
