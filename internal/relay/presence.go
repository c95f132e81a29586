package relay

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Presence marks which preview sessions are open on a channel.
type Presence struct {
	ch *Channel
	id string
}

func NewPresence(ch *Channel, id string) *Presence {
	return &Presence{ch: ch, id: id}
}

func (p *Presence) ID() string { return p.id }

func (p *Presence) key() string { return p.ch.presencePrefix() + p.id }

func (p *Presence) Register(ctx context.Context) error {
	if err := p.ch.store.Set(ctx, p.key(), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("register presence %s: %w", p.id, err)
	}
	return nil
}

func (p *Presence) Unregister(ctx context.Context) error {
	if err := p.ch.store.Remove(ctx, p.key()); err != nil {
		return fmt.Errorf("unregister presence %s: %w", p.id, err)
	}
	return nil
}

// Others lists the ids of the other registered sessions.
func (p *Presence) Others(ctx context.Context) ([]string, error) {
	prefix := p.ch.presencePrefix()
	keys, err := p.ch.store.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	var ids []string
	for _, k := range keys {
		id := strings.TrimPrefix(k, prefix)
		if id != p.id {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
