package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/Warpcam/backend/internal/signaling"
)

// NewRouter wires the relay's HTTP surface.
func NewRouter(hub *signaling.Hub, allowedOrigins []string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler(hub))
	mux.HandleFunc("GET /rooms/{id}", roomHandler(hub))
	mux.HandleFunc("/ws", ServeWs(hub, newUpgrader(allowedOrigins), logger))
	return mux
}

func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  64 * 1024, // 64 KB
		WriteBufferSize: 64 * 1024, // 64 KB
		CheckOrigin:     originChecker(allowedOrigins),
	}
}

// originChecker allows every origin when the list is empty. Non-browser
// clients send no Origin header and are always allowed.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// ServeWs returns an http.HandlerFunc that upgrades the request and hands
// the connection to the hub.
func ServeWs(hub *signaling.Hub, upgrader *websocket.Upgrader, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("failed to upgrade connection", "remote", r.RemoteAddr, "error", err)
			return
		}

		client := signaling.NewClient(hub, conn)
		if !hub.Attach(client) {
			conn.Close()
			return
		}

		go client.WritePump()
		go client.ReadPump()
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Rooms  int    `json:"rooms"`
	Users  int    `json:"users"`
}

func healthHandler(hub *signaling.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms, users := hub.Registry.Stats()
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Rooms: rooms, Users: users})
	}
}

type roomResponse struct {
	ID            string                 `json:"id"`
	SourcePresent bool                   `json:"source_present"`
	Source        string                 `json:"source,omitempty"`
	ViewerCount   int                    `json:"viewer_count"`
	MaxViewers    int                    `json:"max_viewers"`
	Viewers       []signaling.ViewerInfo `json:"viewers"`
}

func roomHandler(hub *signaling.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := hub.Registry.Room(r.PathValue("id"))
		switch {
		case errors.Is(err, signaling.ErrUnknownRoom):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		case err != nil:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		resp := roomResponse{
			ID:            view.ID,
			SourcePresent: view.Source != nil,
			ViewerCount:   len(view.Viewers),
			MaxViewers:    view.MaxViewers,
			Viewers:       view.ViewerList(),
		}
		if view.Source != nil {
			resp.Source = view.Source.DisplayName
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
