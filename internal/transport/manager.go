package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/debemdeboas/kbpreview/internal/model"
	"github.com/debemdeboas/kbpreview/internal/payload"
	"github.com/debemdeboas/kbpreview/internal/relay"
	"github.com/debemdeboas/kbpreview/internal/window"
)

// previewWindow owns one opened preview: its handle and the goroutines
// (heartbeat, listener) bound to it. Closing it stops both.
type previewWindow struct {
	handle        *window.Handle
	cancel        context.CancelFunc
	heartbeatDone chan struct{}
	listenDone    chan struct{}

	mu        sync.Mutex
	handshake bool
}

func (pw *previewWindow) isLive() bool {
	return pw != nil && !pw.handle.Closed()
}

func (pw *previewWindow) acknowledged() bool {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.handshake
}

// acknowledge reports whether this call completed the handshake.
func (pw *previewWindow) acknowledge() bool {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.handshake {
		return false
	}
	pw.handshake = true
	return true
}

func (pw *previewWindow) close() {
	pw.cancel()
	pw.handle.Close()
}

// Manager is the editor side of the preview transport. It holds at most one
// preview window.
type Manager struct {
	opener window.Opener
	relay  *relay.Channel
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	win            *previewWindow
	current        model.ArticleDraft
	lastDeliveryOK bool
	unmounted      bool
	stats          Stats

	// sendMu keeps deliveries in publish order.
	sendMu sync.Mutex
}

// NewManager creates a closed manager. relayCh may be nil, in which case
// only the direct channel is used.
func NewManager(opener window.Opener, relayCh *relay.Channel, opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opener: opener,
		relay:  relayCh,
		opts:   opts.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) ChannelState() ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := ChannelState{State: m.state, LastDeliveryOK: m.lastDeliveryOK}
	if m.win != nil {
		cs.PreviewToken = m.win.handle.Token()
		cs.Live = m.win.isLive()
		cs.HandshakeComplete = m.win.acknowledged()
	}
	return cs
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()
	if changed && m.opts.OnState != nil {
		m.opts.OnState(s)
	}
}

// OpenPreview opens a preview window seeded with initial. An open preview
// is closed first. The returned handle is for the caller to route the
// preview to (its token); the manager keeps ownership.
func (m *Manager) OpenPreview(initial model.ArticleDraft) (*window.Handle, error) {
	m.mu.Lock()
	if m.unmounted {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: editor unmounted", ErrTransportUnavailable)
	}
	old := m.win
	m.win = nil
	m.mu.Unlock()
	if old != nil {
		old.close()
	}

	handle, err := m.opener.Open(m.opts.PreviewURL)
	if err != nil {
		return nil, fmt.Errorf("%w: open preview: %v", ErrTransportUnavailable, err)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	pw := &previewWindow{
		handle:        handle,
		cancel:        cancel,
		heartbeatDone: make(chan struct{}),
		listenDone:    make(chan struct{}),
	}

	m.mu.Lock()
	m.win = pw
	m.current = initial.Clone()
	m.lastDeliveryOK = false
	m.mu.Unlock()
	m.setState(Opening)

	transportLogger.Info().Str("window", handle.Token()).Msg("Opening preview")

	// First paint comes from the relay while the preview attaches.
	m.sendMu.Lock()
	m.writeRelay(m.opts.Codec.Minimal(initial), initial)
	m.sendDirect(pw, initial)
	m.sendMu.Unlock()

	go m.listen(ctx, pw)
	go m.heartbeat(ctx, pw)
	return handle, nil
}

// Publish delivers d to the preview. It is a no-op while closed and never
// fails; delivery problems only show up in ChannelState and Stats.
func (m *Manager) Publish(d model.ArticleDraft) {
	m.mu.Lock()
	if m.state == Closed {
		m.current = d.Clone()
		m.mu.Unlock()
		return
	}
	m.current = d.Clone()
	pw := m.win
	m.mu.Unlock()

	m.deliver(pw, d)
}

func (m *Manager) snapshot() (model.ArticleDraft, *previewWindow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Clone(), m.win
}

// ClosePreview closes the preview window and stops its timers.
func (m *Manager) ClosePreview() {
	m.mu.Lock()
	pw := m.win
	m.win = nil
	m.mu.Unlock()

	if pw != nil {
		pw.close()
		transportLogger.Info().Str("window", pw.handle.Token()).Msg("Closed preview")
	}
	m.setState(Closed)
}

// Close unmounts the manager. Nothing is sent afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	m.unmounted = true
	m.mu.Unlock()
	m.ClosePreview()
	m.cancel()
}

func (m *Manager) deliver(pw *previewWindow, d model.ArticleDraft) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	ok := m.sendDirect(pw, d)
	if !ok || m.opts.MirrorRelay {
		m.writeRelay(m.opts.Codec.Encode(d, m.opts.RelayCapacity), d)
	}
}

// sendDirect posts the full draft to pw and reports whether it was taken.
func (m *Manager) sendDirect(pw *previewWindow, d model.ArticleDraft) bool {
	if pw == nil {
		return false
	}

	err := m.postDirect(pw, d)

	m.mu.Lock()
	if m.win == pw {
		m.lastDeliveryOK = err == nil
	}
	if err == nil {
		m.stats.DirectSent++
	} else {
		m.stats.DirectFailed++
	}
	m.mu.Unlock()

	if err != nil {
		transportLogger.Debug().Err(err).Str("window", pw.handle.Token()).Msg("Direct delivery failed")
		if errors.Is(err, window.ErrClosed) {
			m.windowClosed(pw)
		}
		return false
	}
	return true
}

func (m *Manager) postDirect(pw *previewWindow, d model.ArticleDraft) error {
	if !pw.isLive() {
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, window.ErrClosed)
	}
	data, err := payload.Marshal(payload.Encode(d, payload.Unlimited))
	if err != nil {
		return fmt.Errorf("%w: marshal draft: %v", ErrTransportUnavailable, err)
	}
	msg := window.Message{Type: window.DraftUpdate, Timestamp: d.LogicalTimestamp, Payload: data}
	if err := pw.handle.Post(msg); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	return nil
}

// writeRelay stores p in the relay. A quota failure is retried once with
// the minimal payload of d.
func (m *Manager) writeRelay(p payload.Payload, d model.ArticleDraft) {
	if m.relay == nil {
		return
	}

	err := m.putRelay(p)
	if errors.Is(err, relay.ErrQuotaExceeded) && p.Level != payload.MinimalMetadataOnly {
		m.mu.Lock()
		m.stats.QuotaRetries++
		m.mu.Unlock()
		transportLogger.Debug().Err(err).Stringer("level", p.Level).Msg("Relay quota exceeded, retrying with minimal payload")
		err = m.putRelay(m.opts.Codec.Minimal(d))
	}

	m.mu.Lock()
	if err != nil {
		m.stats.RelayFailures++
	} else {
		m.stats.RelayWrites++
	}
	m.mu.Unlock()

	if err != nil {
		transportLogger.Warn().Err(fmt.Errorf("%w: %w", ErrStorageWrite, err)).Msg("Relay write failed, preview keeps its last draft")
	}
}

func (m *Manager) putRelay(p payload.Payload) error {
	data, err := payload.Marshal(p)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(m.ctx, relayWriteTimeout)
	defer cancel()
	return m.relay.Write(ctx, data, p.Timestamp)
}

// windowClosed clears pw if it is still the held window.
func (m *Manager) windowClosed(pw *previewWindow) {
	m.mu.Lock()
	held := m.win == pw
	if held {
		m.win = nil
		m.lastDeliveryOK = false
	}
	m.mu.Unlock()

	pw.cancel()
	if held {
		transportLogger.Info().Str("window", pw.handle.Token()).Msg("Preview window closed")
		m.setState(Closed)
	}
}

func (m *Manager) listen(ctx context.Context, pw *previewWindow) {
	defer close(pw.listenDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-pw.handle.Done():
			m.windowClosed(pw)
			return
		case msg := <-pw.handle.Messages():
			switch msg.Type {
			case window.Ready:
				if pw.acknowledge() {
					m.mu.Lock()
					held := m.win == pw
					m.mu.Unlock()
					if held {
						m.setState(Live)
					}
				}
				m.republish(pw)
			case window.RequestFull:
				m.republish(pw)
			default:
				transportLogger.Debug().Str("type", string(msg.Type)).Msg("Ignoring preview message")
			}
		}
	}
}

func (m *Manager) republish(pw *previewWindow) {
	d, held := m.snapshot()
	if held != pw {
		return
	}
	m.deliver(pw, d)
}

// heartbeat re-sends the current draft until the preview acknowledges or
// HeartbeatDuration passes.
func (m *Manager) heartbeat(ctx context.Context, pw *previewWindow) {
	defer close(pw.heartbeatDone)

	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(m.opts.HeartbeatDuration)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			transportLogger.Debug().Str("window", pw.handle.Token()).Msg("Preview never acknowledged, heartbeat stopped")
			return
		case <-ticker.C:
			if pw.acknowledged() {
				return
			}
			d, held := m.snapshot()
			if held != pw {
				return
			}
			m.mu.Lock()
			m.stats.Heartbeats++
			m.mu.Unlock()

			m.sendMu.Lock()
			m.sendDirect(pw, d)
			m.sendMu.Unlock()
		}
	}
}
