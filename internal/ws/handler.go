package ws

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// GroupResolver maps a URL path to a routed group
type GroupResolver interface {
	GroupFromPath(path string) (string, error)
}

// Processor executes a JSON-RPC message for a group and returns the encoded reply
type Processor interface {
	Process(ctx context.Context, group string, body []byte) ([]byte, error)
}

// Handler upgrades /{group} connections and serves JSON-RPC over them
type Handler struct {
	groups    GroupResolver
	processor Processor
	logger    zerolog.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(groups GroupResolver, processor Processor, logger zerolog.Logger) *Handler {
	return &Handler{
		groups:    groups,
		processor: processor,
		logger:    logger.With().Str("component", "ws").Logger(),
	}
}

// ServeHTTP handles WebSocket upgrade requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	group, err := h.groups.GroupFromPath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	h.logger.Info().
		Str("group", group).
		Str("remoteAddr", r.RemoteAddr).
		Msg("new WebSocket connection")

	client := NewClient(conn, group, h.processor, h.logger.With().Str("remoteAddr", r.RemoteAddr).Logger())
	client.Run(r.Context())
}
