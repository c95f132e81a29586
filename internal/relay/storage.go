// Package relay is the shared key-value channel between editor and preview
// sessions. It works when no direct window handle exists.
package relay

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

var relayLogger zerolog.Logger

func SetLogger(l zerolog.Logger) {
	relayLogger = l
}

var (
	ErrQuotaExceeded    = errors.New("relay storage quota exceeded")
	ErrWatchUnsupported = errors.New("relay storage does not support change events")
)

// Event is a change notification. Storages only emit events when a value
// actually changes.
type Event struct {
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

type Storage interface {
	// Get reports false when the key does not exist.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Subscribe streams change events until ctx is done, then closes the
	// channel. It returns ErrWatchUnsupported when the storage has none.
	Subscribe(ctx context.Context) (<-chan Event, error)
}

type pollingOnly struct {
	Storage
}

// PollingOnly hides the change events of s, forcing watchers to poll.
func PollingOnly(s Storage) Storage {
	return pollingOnly{Storage: s}
}

func (pollingOnly) Subscribe(context.Context) (<-chan Event, error) {
	return nil, ErrWatchUnsupported
}

// eventBuffer bounds each subscriber. When it is full the oldest event is
// dropped; watchers re-read the slot so only the latest matters.
const eventBuffer = 64

func offer(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
			relayLogger.Debug().Str("key", ev.Key).Msg("Relay subscriber full, dropped oldest event")
		default:
		}
	}
}
