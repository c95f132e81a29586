// Package sse provides Server-Sent Events client management for real-time communication.
package sse

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/debemdeboas/kbpreview/internal/config"
)

var sseLogger zerolog.Logger

func SetLogger(l zerolog.Logger) {
	sseLogger = l
}

var ErrStreamingUnsupported = errors.New("streaming unsupported")

// DefaultBuffer is the per-client queue length.
const DefaultBuffer = 16

// KeepAlive is the interval of comment lines sent on idle streams.
var KeepAlive = 20 * time.Second

type Event struct {
	Name string
	Data string
}

type Client struct {
	Msg   chan Event
	Topic string
}

func NewClient(topic string, buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Client{Msg: make(chan Event, buffer), Topic: topic}
}

type Clients struct {
	clients map[*Client]bool
	mu      sync.RWMutex
}

func NewClients() *Clients {
	return &Clients{
		clients: make(map[*Client]bool),
	}
}

func (s *Clients) Add(client *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client] = true
}

func (s *Clients) Delete(client *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[client] {
		delete(s.clients, client)
		close(client.Msg)
	}
}

func (s *Clients) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Send queues ev for client. A full queue loses its oldest event. It
// reports false when the client is gone.
func (s *Clients) Send(client *Client, ev Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.clients[client] {
		return false
	}
	offer(client, ev)
	return true
}

// Broadcast sends ev to every client on topic and returns how many got it.
func (s *Clients) Broadcast(topic string, ev Event) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for client := range s.clients {
		if client.Topic == topic {
			offer(client, ev)
			n++
		}
	}
	return n
}

func offer(client *Client, ev Event) {
	for {
		select {
		case client.Msg <- ev:
			return
		default:
		}
		select {
		case old := <-client.Msg:
			sseLogger.Debug().Str("topic", client.Topic).Str("event", old.Name).Msg("SSE client queue full, dropped oldest event")
		default:
		}
	}
}

// Write formats ev in the event-stream format.
func Write(w io.Writer, ev Event) error {
	var b strings.Builder
	if ev.Name != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Name)
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// Serve streams the events of client until the request ends or the client
// is deleted. first is written before anything queued.
func Serve(w http.ResponseWriter, r *http.Request, client *Client, first ...Event) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	w.Header().Set(config.HCType, config.CTypeEventStream)
	w.Header().Set(config.HCacheControl, "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Del("X-Content-Type-Options")

	for _, ev := range first {
		if err := Write(w, ev); err != nil {
			return err
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(KeepAlive)
	defer keepAlive.Stop()

	notify := r.Context().Done()
	for {
		select {
		case ev, ok := <-client.Msg:
			if !ok {
				return nil
			}
			if err := Write(w, ev); err != nil {
				return err
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case <-notify:
			return nil
		}
	}
}
