package api

import (
	"net/http"
	"strings"

	"github.com/nerrad567/hivehub/internal/protocol"
)

// handleInfo returns the API version, the server time and the WebSocket URL.
// Clients resume subscriptions from the server time, not their own clock.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.info(r))
}

func (s *Server) info(r *http.Request) protocol.APIInfo {
	return protocol.APIInfo{
		APIVersion:         protocol.APIVersion,
		ServerTimestamp:    s.hub.Now(),
		WebSocketServerURL: s.webSocketURL(r),
	}
}

// webSocketURL returns the configured public WebSocket URL, or derives one
// from the host the request was sent to.
func (s *Server) webSocketURL(r *http.Request) string {
	if s.wsCfg.PublicURL != "" {
		return strings.TrimRight(s.wsCfg.PublicURL, "/")
	}
	scheme := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + strings.TrimRight(s.wsCfg.Path, "/")
}
