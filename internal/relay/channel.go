package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/debemdeboas/kbpreview/internal/model"
)

// Mode is how a watcher learns about relay writes.
type Mode int

const (
	ModeEvents Mode = iota + 1
	ModePolling
)

func (m Mode) String() string {
	switch m {
	case ModeEvents:
		return "events"
	case ModePolling:
		return "polling"
	default:
		return "none"
	}
}

type ChannelOptions struct {
	Namespace string
	PollMin   time.Duration
	PollMax   time.Duration
}

// Channel is the relay slot: one payload key plus a trigger key holding the
// timestamp of the last write. The trigger changes on every write, so
// watchers fire even when two payloads are byte-identical.
type Channel struct {
	store  Storage
	ns     string
	poller Poller
}

func NewChannel(store Storage, opts ChannelOptions) *Channel {
	ns := opts.Namespace
	if ns == "" {
		ns = "kb:preview"
	}
	return &Channel{
		store:  store,
		ns:     ns,
		poller: Poller{Min: opts.PollMin, Max: opts.PollMax},
	}
}

func (c *Channel) Storage() Storage { return c.store }

func (c *Channel) Namespace() string { return c.ns }

func (c *Channel) PayloadKey() string { return c.ns + ":payload" }

func (c *Channel) TriggerKey() string { return c.ns + ":trigger" }

func (c *Channel) presencePrefix() string { return c.ns + ":presence:" }

// Write stores data and then bumps the trigger to ts.
func (c *Channel) Write(ctx context.Context, data []byte, ts model.Timestamp) error {
	if err := c.store.Set(ctx, c.PayloadKey(), string(data)); err != nil {
		return fmt.Errorf("write relay payload: %w", err)
	}
	if err := c.store.Set(ctx, c.TriggerKey(), ts.String()); err != nil {
		return fmt.Errorf("write relay trigger: %w", err)
	}
	return nil
}

// Read returns the current payload, or false when the slot is empty.
func (c *Channel) Read(ctx context.Context) ([]byte, bool, error) {
	v, ok, err := c.store.Get(ctx, c.PayloadKey())
	if err != nil {
		return nil, false, fmt.Errorf("read relay payload: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return []byte(v), true, nil
}

func (c *Channel) Clear(ctx context.Context) error {
	var errs []error
	if err := c.store.Remove(ctx, c.PayloadKey()); err != nil {
		errs = append(errs, err)
	}
	if err := c.store.Remove(ctx, c.TriggerKey()); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("clear relay: %w", err)
	}
	return nil
}

// Watch calls fn with each new payload until ctx is done. It subscribes to
// storage events when the storage has them and polls otherwise; the mode in
// use is returned once the watcher is running. fn is never called for a
// payload identical to the one it saw last, nor concurrently.
func (c *Channel) Watch(ctx context.Context, fn func([]byte)) (Mode, error) {
	w := &watcher{ch: c, fn: fn}

	events, err := c.store.Subscribe(ctx)
	switch {
	case err == nil:
		go w.events(ctx, events)
		return ModeEvents, nil
	case errors.Is(err, ErrWatchUnsupported):
		// Seed so an existing payload is not reported as a change.
		if v, ok, err := c.store.Get(ctx, c.PayloadKey()); err == nil && ok {
			w.last, w.seen = v, true
		}
		go c.poller.Run(ctx, w.poll)
		relayLogger.Debug().Str("namespace", c.ns).Msg("Relay storage has no change events, polling")
		return ModePolling, nil
	default:
		return 0, fmt.Errorf("watch relay: %w", err)
	}
}

type watcher struct {
	ch   *Channel
	fn   func([]byte)
	mu   sync.Mutex
	last string
	seen bool
}

func (w *watcher) deliver(v string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen && v == w.last {
		return false
	}
	w.last, w.seen = v, true
	w.fn([]byte(v))
	return true
}

func (w *watcher) events(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Key {
			case w.ch.TriggerKey():
				// The trigger follows its payload, re-read the slot.
				v, ok, err := w.ch.store.Get(ctx, w.ch.PayloadKey())
				if err != nil {
					relayLogger.Warn().Err(err).Msg("Failed to read relay payload after trigger")
					continue
				}
				if ok {
					w.deliver(v)
				}
			case w.ch.PayloadKey():
				if !ev.Deleted {
					w.deliver(ev.Value)
				}
			}
		}
	}
}

func (w *watcher) poll(ctx context.Context) bool {
	v, ok, err := w.ch.store.Get(ctx, w.ch.PayloadKey())
	if err != nil {
		if ctx.Err() == nil {
			relayLogger.Warn().Err(err).Msg("Failed to poll relay payload")
		}
		return false
	}
	if !ok {
		return false
	}
	return w.deliver(v)
}
