package preview

import (
	"encoding/json"
	"html/template"
	"io/fs"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/debemdeboas/kbpreview/internal/config"
	"github.com/debemdeboas/kbpreview/internal/model"
	"github.com/debemdeboas/kbpreview/internal/relay"
	"github.com/debemdeboas/kbpreview/internal/render"
	"github.com/debemdeboas/kbpreview/internal/routes"
	"github.com/debemdeboas/kbpreview/internal/sse"
	"github.com/debemdeboas/kbpreview/internal/theme"
	"github.com/debemdeboas/kbpreview/internal/window"
)

const (
	EventsUrlPath      = routes.PreviewEvents
	RequestFullUrlPath = routes.PreviewRequestFull
)

// Handler serves the preview page and one receiver per open event stream.
type Handler struct {
	registry *window.Registry
	relay    *relay.Channel
	renderer *render.Renderer
	clients  *sse.Clients
	opts     Options
	fs       fs.FS

	receivers sync.Map
}

func NewHandler(registry *window.Registry, relayCh *relay.Channel, renderer *render.Renderer, clients *sse.Clients, opts Options, fsys fs.FS) *Handler {
	return &Handler{
		registry: registry,
		relay:    relayCh,
		renderer: renderer,
		clients:  clients,
		opts:     opts,
		fs:       fsys,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+config.PreviewUrlPath, h.ServePreview)
	mux.HandleFunc("GET "+EventsUrlPath, h.ServeEvents)
	mux.HandleFunc("POST "+RequestFullUrlPath, h.ServeRequestFull)
}

// ServePreview serves the parameterless preview page. The page finds its
// window token in window.name and opens the event stream with it.
func (h *Handler) ServePreview(w http.ResponseWriter, r *http.Request) {
	tmpl, err := template.ParseFS(h.fs, config.TemplatesLocalDir+"/"+config.TemplateLayout, config.TemplatesLocalDir+"/"+config.TemplatePreview)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	isPreview := true
	data := model.NewPageData(r)
	data.IsPreviewPage = &isPreview

	w.Header().Set(config.HCType, config.CTypeHTML)
	if err := tmpl.ExecuteTemplate(w, config.TemplateLayout, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type hello struct {
	ID     string `json:"id"`
	Direct bool   `json:"direct"`
}

// ServeEvents mounts a receiver for the stream and closes it when the
// client goes away.
func (h *Handler) ServeEvents(w http.ResponseWriter, r *http.Request) {
	log := zerolog.Ctx(r.Context())

	var port *window.Port
	if token := r.URL.Query().Get("window"); token != "" {
		p, err := h.registry.Attach(token)
		if err != nil {
			log.Debug().Err(err).Str("window", token).Msg("Preview window not attachable, listening on relay only")
		} else {
			port = p
		}
	}

	opts := h.opts
	opts.SyntaxTheme = theme.GetSyntaxThemeFromRequest(r)

	client := sse.NewClient("", sse.DefaultBuffer)
	rec := NewReceiver(port, h.relay, h.renderer, SinkFunc(func(fr Frame) {
		data, err := json.Marshal(fr)
		if err != nil {
			previewLogger.Warn().Err(err).Msg("Failed to encode preview frame")
			return
		}
		h.clients.Send(client, sse.Event{Name: "frame", Data: string(data)})
	}), opts)
	client.Topic = "preview:" + rec.ID()

	h.clients.Add(client)
	h.receivers.Store(rec.ID(), rec)
	defer func() {
		h.receivers.Delete(rec.ID())
		rec.Close()
		h.clients.Delete(client)
		log.Debug().Str("receiver", rec.ID()).Msg("Preview stream closed")
	}()

	rec.Mount()

	greeting, _ := json.Marshal(hello{ID: rec.ID(), Direct: port != nil})
	if err := sse.Serve(w, r, client, sse.Event{Name: "hello", Data: string(greeting)}); err != nil {
		if err == sse.ErrStreamingUnsupported {
			http.Error(w, config.ErrStreamingUnsup, http.StatusInternalServerError)
			return
		}
		log.Debug().Err(err).Msg("Preview stream ended")
	}
}

func (h *Handler) ServeRequestFull(w http.ResponseWriter, r *http.Request) {
	v, ok := h.receivers.Load(r.URL.Query().Get("id"))
	if !ok {
		http.Error(w, config.ErrWindowNotFound, http.StatusNotFound)
		return
	}
	v.(*Receiver).RequestFull()
	w.WriteHeader(http.StatusAccepted)
}

// Receivers is the number of mounted receivers.
func (h *Handler) Receivers() int {
	n := 0
	h.receivers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
