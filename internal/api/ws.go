package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/glare-io/glare/internal/ws"
)

// WSHandler handles the WebSocket upgrade endpoint GET /api/v1/events/ws.
//
// Topic subscription is declared at connection time via the `topics` query
// parameter; the "events" firehose is always added so every dashboard
// client receives the full incident stream without asking.
//
// Example connection URL:
//
//	ws://host/api/v1/events/ws?topics=plan:uuid1,worker:uuid2
type WSHandler struct {
	hub    *ws.Hub
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *ws.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /api/v1/events/ws.
// It builds the topic list, upgrades the connection, and starts the client
// read/write pumps. The handler blocks until the connection closes — this
// is expected for WebSocket handlers.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	topics := resolveTopics(r)

	client, err := ws.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// The upgrader already wrote the error response.
		h.logger.Warn("ws: upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("ws: client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics),
	)

	// Run blocks until the connection closes. readPump and writePump handle
	// cleanup and hub unregistration internally.
	client.Run()

	h.logger.Info("ws: client disconnected",
		zap.String("remote_addr", r.RemoteAddr),
	)
}

// resolveTopics builds the final topic list for a client connection: the
// "events" firehose plus any explicit topics from the `topics` query
// parameter (comma-separated). Unknown topic strings are harmless — the
// client simply never receives messages for topics nothing publishes to.
func resolveTopics(r *http.Request) []string {
	seen := make(map[string]struct{})
	var topics []string

	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" {
			return
		}
		if _, exists := seen[t]; !exists {
			seen[t] = struct{}{}
			topics = append(topics, t)
		}
	}

	add(ws.TopicEvents)

	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			add(t)
		}
	}

	return topics
}
