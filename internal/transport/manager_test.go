package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debemdeboas/kbpreview/internal/model"
	"github.com/debemdeboas/kbpreview/internal/payload"
	"github.com/debemdeboas/kbpreview/internal/relay"
	"github.com/debemdeboas/kbpreview/internal/window"
)

func testOptions() Options {
	return Options{
		HeartbeatInterval: 5 * time.Millisecond,
		HeartbeatDuration: 200 * time.Millisecond,
		RelayCapacity:     50000,
		MirrorRelay:       true,
	}
}

func testDraft(body string, ts model.Timestamp) model.ArticleDraft {
	return model.ArticleDraft{
		Title:            "Draft",
		BodyHTML:         body,
		Metadata:         model.Metadata{Author: "ana", Tags: []string{"go"}},
		LogicalTimestamp: ts,
	}
}

func setup(t *testing.T, opts Options, quota int) (*Manager, *window.Registry, *relay.Channel) {
	t.Helper()
	reg := window.NewRegistry(8)
	ch := relay.NewChannel(relay.NewMemoryStorage(quota), relay.ChannelOptions{Namespace: "t"})
	m := NewManager(reg, ch, opts)
	t.Cleanup(m.Close)
	return m, reg, ch
}

func relayPayload(t *testing.T, ch *relay.Channel) payload.Payload {
	t.Helper()
	data, ok, err := ch.Read(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "relay is empty")
	p, err := payload.Parse(data)
	require.NoError(t, err)
	return p
}

func nextUpdate(t *testing.T, port *window.Port) payload.Payload {
	t.Helper()
	select {
	case msg := <-port.Messages():
		require.Equal(t, window.DraftUpdate, msg.Type)
		p, err := payload.Parse(msg.Payload)
		require.NoError(t, err)
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no draft update delivered")
	}
	return payload.Payload{}
}

func TestOpenPreviewSeedsRelayAndHandshakes(t *testing.T) {
	m, reg, ch := setup(t, testOptions(), 0)

	handle, err := m.OpenPreview(testDraft("<p>first</p>", 10))
	require.NoError(t, err)
	assert.Equal(t, Opening, m.State())

	seed := relayPayload(t, ch)
	assert.Equal(t, payload.MinimalMetadataOnly, seed.Level)
	assert.EqualValues(t, 10, seed.Timestamp)

	port, err := reg.Attach(handle.Token())
	require.NoError(t, err)

	// The heartbeat reaches the preview once it attached.
	p := nextUpdate(t, port)
	assert.Equal(t, payload.Full, p.Level)
	assert.Equal(t, "<p>first</p>", p.BodyHTML)

	require.NoError(t, port.Post(window.Message{Type: window.Ready}))
	require.Eventually(t, func() bool { return m.State() == Live }, time.Second, time.Millisecond)

	cs := m.ChannelState()
	assert.True(t, cs.Live)
	assert.True(t, cs.HandshakeComplete)
	assert.Equal(t, handle.Token(), cs.PreviewToken)

	m.mu.Lock()
	pw := m.win
	m.mu.Unlock()
	select {
	case <-pw.heartbeatDone:
	case <-time.After(time.Second):
		t.Fatal("heartbeat kept running after the handshake")
	}
}

func TestPublishWhenClosedIsNoop(t *testing.T) {
	m, _, ch := setup(t, testOptions(), 0)

	m.Publish(testDraft("<p>x</p>", 1))

	_, ok, err := ch.Read(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Stats{}, m.Stats())
}

func TestPublishMirrorsRelay(t *testing.T) {
	m, reg, ch := setup(t, testOptions(), 0)
	handle, err := m.OpenPreview(testDraft("", 1))
	require.NoError(t, err)
	port, _ := reg.Attach(handle.Token())

	m.Publish(testDraft("<p>two</p>", 2))

	assert.Equal(t, "<p>two</p>", relayPayload(t, ch).BodyHTML)
	for {
		if p := nextUpdate(t, port); p.Timestamp == 2 {
			assert.Equal(t, "<p>two</p>", p.BodyHTML)
			break
		}
	}
	assert.True(t, m.ChannelState().LastDeliveryOK)
}

func TestFallbackToRelayWhenWindowCloses(t *testing.T) {
	opts := testOptions()
	opts.MirrorRelay = false
	var (
		statesMu sync.Mutex
		states   []State
	)
	opts.OnState = func(s State) {
		statesMu.Lock()
		states = append(states, s)
		statesMu.Unlock()
	}

	m, reg, ch := setup(t, opts, 0)
	handle, err := m.OpenPreview(testDraft("", 1))
	require.NoError(t, err)
	port, _ := reg.Attach(handle.Token())
	port.Close()

	require.Eventually(t, func() bool { return m.State() == Closed }, time.Second, time.Millisecond)
	cs := m.ChannelState()
	assert.Empty(t, cs.PreviewToken)
	assert.False(t, cs.LastDeliveryOK)
	statesMu.Lock()
	assert.Equal(t, []State{Opening, Closed}, states)
	statesMu.Unlock()

	// A closed transport drops publishes without a panic or an error.
	m.Publish(testDraft("<p>late</p>", 5))
	assert.EqualValues(t, 1, relayPayload(t, ch).Timestamp)
}

func TestDirectFailureWritesRelay(t *testing.T) {
	opts := testOptions()
	opts.MirrorRelay = false
	m, reg, ch := setup(t, opts, 0)
	handle, err := m.OpenPreview(testDraft("", 1))
	require.NoError(t, err)
	_, _ = reg.Attach(handle.Token())

	// Close the window behind the listener's back, then publish straight
	// away: the direct send sees ErrClosed and the relay takes the draft.
	m.mu.Lock()
	pw := m.win
	m.mu.Unlock()
	pw.handle.Close()
	m.deliver(pw, testDraft("<p>relayed</p>", 3))

	p := relayPayload(t, ch)
	assert.EqualValues(t, 3, p.Timestamp)
	assert.Equal(t, "<p>relayed</p>", p.BodyHTML)
	assert.GreaterOrEqual(t, m.Stats().DirectFailed, 1)
	require.Eventually(t, func() bool { return m.State() == Closed }, time.Second, time.Millisecond)
}

func TestRequestFullRepublishes(t *testing.T) {
	m, reg, _ := setup(t, testOptions(), 0)
	handle, _ := m.OpenPreview(testDraft("<p>body</p>", 1))
	port, _ := reg.Attach(handle.Token())
	require.NoError(t, port.Post(window.Message{Type: window.Ready}))
	require.Eventually(t, func() bool { return m.State() == Live }, time.Second, time.Millisecond)

	// Drain what the heartbeat and handshake sent.
	for len(port.Messages()) > 0 {
		<-port.Messages()
	}

	require.NoError(t, port.Post(window.Message{Type: window.RequestFull}))
	p := nextUpdate(t, port)
	assert.Equal(t, payload.Full, p.Level)
	assert.Equal(t, "<p>body</p>", p.BodyHTML)
}

func TestQuotaFailureRetriesMinimal(t *testing.T) {
	opts := testOptions()
	opts.RelayCapacity = payload.Unlimited
	m, _, ch := setup(t, opts, 4096)

	_, err := m.OpenPreview(testDraft("", 1))
	require.NoError(t, err)

	m.Publish(testDraft("<p>"+strings.Repeat("x", 8000)+"</p>", 2))

	p := relayPayload(t, ch)
	assert.EqualValues(t, 2, p.Timestamp)
	assert.Equal(t, payload.MinimalMetadataOnly, p.Level)
	assert.Equal(t, payload.Placeholder, p.BodyHTML)

	stats := m.Stats()
	assert.Equal(t, 1, stats.QuotaRetries)
	assert.Zero(t, stats.RelayFailures)
}

func TestQuotaFailureTwiceIsLogged(t *testing.T) {
	opts := testOptions()
	opts.RelayCapacity = payload.Unlimited
	m, _, ch := setup(t, opts, 16)

	_, err := m.OpenPreview(testDraft("<p>too big</p>", 1))
	require.NoError(t, err)
	m.Publish(testDraft("<p>still too big</p>", 2))

	_, ok, _ := ch.Read(context.Background())
	assert.False(t, ok)
	assert.GreaterOrEqual(t, m.Stats().RelayFailures, 1)
}

func TestHeartbeatIsBounded(t *testing.T) {
	opts := testOptions()
	opts.HeartbeatDuration = 30 * time.Millisecond
	m, _, _ := setup(t, opts, 0)

	_, err := m.OpenPreview(testDraft("", 1))
	require.NoError(t, err)
	m.mu.Lock()
	pw := m.win
	m.mu.Unlock()

	select {
	case <-pw.heartbeatDone:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat outlived its bound")
	}
	assert.Equal(t, Opening, m.State(), "no handshake means the preview stays opening")
	assert.Positive(t, m.Stats().Heartbeats)
}

func TestCloseCancelsTimers(t *testing.T) {
	opts := testOptions()
	opts.HeartbeatDuration = time.Hour
	m, _, _ := setup(t, opts, 0)

	handle, err := m.OpenPreview(testDraft("", 1))
	require.NoError(t, err)
	m.mu.Lock()
	pw := m.win
	m.mu.Unlock()

	m.Close()

	for name, done := range map[string]chan struct{}{"heartbeat": pw.heartbeatDone, "listener": pw.listenDone} {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("%s still running after Close", name)
		}
	}
	assert.True(t, handle.Closed())
	assert.Equal(t, Closed, m.State())

	_, err = m.OpenPreview(testDraft("", 2))
	assert.True(t, errors.Is(err, ErrTransportUnavailable))
}

func TestReopenReplacesWindow(t *testing.T) {
	m, _, _ := setup(t, testOptions(), 0)
	first, err := m.OpenPreview(testDraft("", 1))
	require.NoError(t, err)
	second, err := m.OpenPreview(testDraft("", 2))
	require.NoError(t, err)

	assert.True(t, first.Closed())
	assert.False(t, second.Closed())
	assert.Equal(t, second.Token(), m.ChannelState().PreviewToken)
	assert.Equal(t, Opening, m.State())
}

type failingOpener struct{}

func (failingOpener) Open(string) (*window.Handle, error) {
	return nil, errors.New("popup blocked")
}

func TestOpenPreviewOpenerFailure(t *testing.T) {
	m := NewManager(failingOpener{}, nil, testOptions())
	defer m.Close()

	_, err := m.OpenPreview(testDraft("", 1))
	assert.True(t, errors.Is(err, ErrTransportUnavailable))
	assert.Equal(t, Closed, m.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "opening", Opening.String())
	assert.Equal(t, "live", Live.String())
}
