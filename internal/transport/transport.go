// Package transport delivers editor drafts to the preview: directly to a
// held window when there is one, through the relay otherwise.
package transport

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/debemdeboas/kbpreview/internal/config"
	"github.com/debemdeboas/kbpreview/internal/payload"
)

var transportLogger zerolog.Logger

func SetLogger(l zerolog.Logger) {
	transportLogger = l
}

var (
	ErrTransportUnavailable = errors.New("preview transport unavailable")
	ErrStorageWrite         = errors.New("relay storage write failed")
)

type State int

const (
	Closed State = iota
	Opening
	Live
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Live:
		return "live"
	default:
		return "closed"
	}
}

const relayWriteTimeout = 2 * time.Second

type Options struct {
	PreviewURL        string
	HeartbeatInterval time.Duration
	HeartbeatDuration time.Duration
	// RelayCapacity is the byte budget of a relay payload.
	RelayCapacity int
	// MirrorRelay writes the relay on every publish, not only when the
	// direct channel fails, so sibling tabs stay current.
	MirrorRelay bool
	Codec       payload.Codec
	// OnState is called after every state change, outside any lock.
	OnState func(State)
}

func OptionsFromConfig(c config.PreviewConfig) Options {
	return Options{
		PreviewURL:        config.PreviewUrlPath,
		HeartbeatInterval: c.HeartbeatInterval,
		HeartbeatDuration: c.HeartbeatDuration,
		RelayCapacity:     c.RelayCapacity,
		MirrorRelay:       c.MirrorRelay,
		Codec:             payload.DefaultCodec,
	}
}

func (o Options) withDefaults() Options {
	if o.PreviewURL == "" {
		o.PreviewURL = config.PreviewUrlPath
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 500 * time.Millisecond
	}
	if o.HeartbeatDuration <= 0 {
		o.HeartbeatDuration = 10 * time.Second
	}
	if o.RelayCapacity <= 0 {
		o.RelayCapacity = 50000
	}
	if o.Codec == (payload.Codec{}) {
		o.Codec = payload.DefaultCodec
	}
	return o
}

// ChannelState is a copy of the manager's view of its preview.
type ChannelState struct {
	State             State
	PreviewToken      string
	Live              bool
	LastDeliveryOK    bool
	HandshakeComplete bool
}

type Stats struct {
	DirectSent    int
	DirectFailed  int
	RelayWrites   int
	RelayFailures int
	QuotaRetries  int
	Heartbeats    int
}
