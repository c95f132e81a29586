// Package preview is the preview side of the live editor: it listens on
// the direct channel and the relay, keeps the newest draft and renders it.
package preview

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/debemdeboas/kbpreview/internal/config"
	"github.com/debemdeboas/kbpreview/internal/model"
	"github.com/debemdeboas/kbpreview/internal/payload"
	"github.com/debemdeboas/kbpreview/internal/relay"
	"github.com/debemdeboas/kbpreview/internal/render"
	"github.com/debemdeboas/kbpreview/internal/window"
)

var previewLogger zerolog.Logger

func SetLogger(l zerolog.Logger) {
	previewLogger = l
}

type State string

const (
	StateLoading State = "loading"
	StateWaiting State = "waiting"
	StateShowing State = "showing"
)

type Source string

const (
	SourceDirect Source = "direct"
	SourceRelay  Source = "relay"
)

// Frame is one complete rendering of the preview.
type Frame struct {
	State     State           `json:"state"`
	Title     string          `json:"title,omitempty"`
	Metadata  *model.Metadata `json:"metadata,omitempty"`
	HTML      string          `json:"html,omitempty"`
	Level     payload.Level   `json:"level,omitempty"`
	Banner    bool            `json:"banner"`
	Upgrading bool            `json:"upgrading"`
	Timestamp model.Timestamp `json:"timestamp,omitempty"`
	Source    Source          `json:"source,omitempty"`
}

// Sink receives frames in order. Show must not call back into the receiver.
type Sink interface {
	Show(Frame)
}

type SinkFunc func(Frame)

func (f SinkFunc) Show(fr Frame) { f(fr) }

type Options struct {
	ReadyTimeout    time.Duration
	UpgradeTimeout  time.Duration
	ClearOnTeardown bool
	SyntaxTheme     string
}

func OptionsFromConfig(c config.PreviewConfig) Options {
	return Options{
		ReadyTimeout:    c.ReadyTimeout,
		UpgradeTimeout:  c.UpgradeTimeout,
		ClearOnTeardown: c.ClearOnTeardown,
	}
}

func (o Options) withDefaults() Options {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 3 * time.Second
	}
	if o.UpgradeTimeout <= 0 {
		o.UpgradeTimeout = 5 * time.Second
	}
	if o.SyntaxTheme == "" {
		o.SyntaxTheme = config.DefaultSyntaxTheme
	}
	return o
}

type Stats struct {
	Applied   int
	Discarded int
	// Malformed counts inputs that could not be parsed at all.
	Malformed int
	RelayMode relay.Mode
}

// Polling reports whether relay changes are found by polling.
func (s Stats) Polling() bool { return s.RelayMode == relay.ModePolling }

type Receiver struct {
	id       string
	port     *window.Port
	relay    *relay.Channel
	presence *relay.Presence
	renderer *render.Renderer
	sink     Sink
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	mounted      bool
	closed       bool
	applied      bool
	last         model.Timestamp
	lastLevel    payload.Level
	frame        Frame
	upgrading    bool
	readyTimer   *time.Timer
	upgradeTimer *time.Timer
	stats        Stats
}

// NewReceiver builds a receiver. port is nil for a preview that was not
// opened by an editor; relayCh is nil when no relay is configured.
func NewReceiver(port *window.Port, relayCh *relay.Channel, renderer *render.Renderer, sink Sink, opts Options) *Receiver {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Receiver{
		id:       uuid.NewString(),
		port:     port,
		relay:    relayCh,
		renderer: renderer,
		sink:     sink,
		opts:     opts.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		frame:    Frame{State: StateLoading},
	}
	if relayCh != nil {
		r.presence = relay.NewPresence(relayCh, r.id)
	}
	return r
}

func (r *Receiver) ID() string { return r.id }

// Mount sends the ready handshake, shows whatever the relay already holds
// and starts listening on both channels.
func (r *Receiver) Mount() {
	r.mu.Lock()
	if r.mounted || r.closed {
		r.mu.Unlock()
		return
	}
	r.mounted = true
	r.sink.Show(r.frame)
	r.mu.Unlock()

	if r.port != nil {
		if err := r.port.Post(window.Message{Type: window.Ready}); err != nil {
			previewLogger.Debug().Err(err).Str("receiver", r.id).Msg("Ready handshake not delivered")
		}
	}

	if r.relay != nil {
		r.mountRelay()
	}

	if r.port != nil {
		r.wg.Add(1)
		go r.listen()
	}

	r.mu.Lock()
	if !r.closed && !r.applied {
		r.readyTimer = time.AfterFunc(r.opts.ReadyTimeout, r.readyTimedOut)
	}
	r.mu.Unlock()
}

func (r *Receiver) mountRelay() {
	ctx, cancel := context.WithTimeout(r.ctx, 2*time.Second)
	defer cancel()

	if err := r.presence.Register(ctx); err != nil {
		previewLogger.Warn().Err(err).Str("receiver", r.id).Msg("Failed to register preview presence")
	}

	// Watch before reading so no write falls between the two.
	mode, err := r.relay.Watch(r.ctx, func(data []byte) { r.ApplyBytes(data, SourceRelay) })
	if err != nil {
		previewLogger.Warn().Err(err).Str("receiver", r.id).Msg("Relay watch unavailable")
	} else {
		r.mu.Lock()
		r.stats.RelayMode = mode
		r.mu.Unlock()
	}

	if data, ok, err := r.relay.Read(ctx); err != nil {
		previewLogger.Warn().Err(err).Msg("Failed to read relay on mount")
	} else if ok {
		r.ApplyBytes(data, SourceRelay)
	}
}

func (r *Receiver) listen() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.port.Done():
			previewLogger.Debug().Str("receiver", r.id).Msg("Direct channel closed, relay only")
			return
		case msg := <-r.port.Messages():
			if msg.Type == window.DraftUpdate {
				r.ApplyBytes(msg.Payload, SourceDirect)
			}
		}
	}
}

// ApplyBytes parses data and applies it. Unparseable input is counted and
// dropped; the preview keeps what it shows.
func (r *Receiver) ApplyBytes(data []byte, src Source) bool {
	p, err := payload.Parse(data)
	if err != nil {
		r.mu.Lock()
		r.stats.Malformed++
		r.mu.Unlock()
		previewLogger.Debug().Err(err).Str("source", string(src)).Msg("Dropping malformed payload")
		return false
	}
	return r.Apply(p, src)
}

// Apply shows p when it is newer than the current draft, or as new and
// richer. It reports whether p was applied.
func (r *Receiver) Apply(p payload.Payload, src Source) bool {
	level := p.EffectiveLevel()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if r.applied && !(p.Timestamp > r.last || (p.Timestamp == r.last && level.Richer(r.lastLevel))) {
		r.stats.Discarded++
		return false
	}

	view := payload.Decode(p)
	body := r.renderer.Render(view.BodyHTML, r.opts.SyntaxTheme)

	r.applied = true
	r.last = p.Timestamp
	r.lastLevel = level
	r.stats.Applied++
	if r.readyTimer != nil {
		r.readyTimer.Stop()
	}
	if r.upgrading && level == payload.Full {
		r.stopUpgrade()
	}

	md := view.Metadata
	r.frame = Frame{
		State:     StateShowing,
		Title:     view.Title,
		Metadata:  &md,
		HTML:      body,
		Level:     level,
		Banner:    level != payload.Full && !r.upgrading,
		Upgrading: r.upgrading,
		Timestamp: p.Timestamp,
		Source:    src,
	}
	r.sink.Show(r.frame)
	return true
}

// RequestFull asks the editor to re-send the full draft. The banner turns
// into a loading indicator until a full payload arrives or the upgrade
// timeout passes.
func (r *Receiver) RequestFull() {
	r.mu.Lock()
	if r.closed || !r.applied || r.lastLevel == payload.Full || r.upgrading {
		r.mu.Unlock()
		return
	}
	r.upgrading = true
	r.upgradeTimer = time.AfterFunc(r.opts.UpgradeTimeout, r.upgradeTimedOut)
	r.frame.Banner = false
	r.frame.Upgrading = true
	r.sink.Show(r.frame)
	r.mu.Unlock()

	if r.port == nil {
		previewLogger.Debug().Str("receiver", r.id).Msg("No direct channel for full content request")
		return
	}
	if err := r.port.Post(window.Message{Type: window.RequestFull}); err != nil {
		previewLogger.Debug().Err(err).Str("receiver", r.id).Msg("Full content request not delivered")
	}
}

// stopUpgrade must be called with mu held.
func (r *Receiver) stopUpgrade() {
	r.upgrading = false
	if r.upgradeTimer != nil {
		r.upgradeTimer.Stop()
		r.upgradeTimer = nil
	}
}

func (r *Receiver) upgradeTimedOut() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || !r.upgrading {
		return
	}
	r.stopUpgrade()
	r.frame.Upgrading = false
	r.frame.Banner = r.lastLevel != payload.Full
	r.sink.Show(r.frame)
}

func (r *Receiver) readyTimedOut() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.applied {
		return
	}
	r.frame = Frame{State: StateWaiting}
	r.sink.Show(r.frame)
}

func (r *Receiver) Frame() Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frame
}

func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Close removes every listener and timer. The relay slot is cleared only
// when no other preview is registered; failing to clear it is logged.
func (r *Receiver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.readyTimer != nil {
		r.readyTimer.Stop()
	}
	r.stopUpgrade()
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	if r.port != nil {
		r.port.Close()
	}
	if r.relay == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.presence.Unregister(ctx); err != nil {
		previewLogger.Debug().Err(err).Msg("Failed to unregister preview presence")
	}
	if !r.opts.ClearOnTeardown {
		return
	}
	others, err := r.presence.Others(ctx)
	if err != nil {
		previewLogger.Debug().Err(err).Msg("Cannot tell whether other previews are open, keeping relay")
		return
	}
	if len(others) > 0 {
		return
	}
	if err := r.relay.Clear(ctx); err != nil && !errors.Is(err, context.Canceled) {
		previewLogger.Debug().Err(err).Msg("Failed to clear relay on teardown")
	}
}
