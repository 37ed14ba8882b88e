package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/hivehub/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.withRequestID, s.observe, s.recoverPanics, s.cors)

	if s.registry != nil && s.metCfg.Enabled {
		r.Handle(s.metCfg.Path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	// WebSocket endpoints authenticate inside the connection.
	r.Route(strings.TrimRight(s.wsCfg.Path, "/"), func(r chi.Router) {
		r.Get("/client", s.handleClientSocket)
		r.Get("/device", s.handleDeviceSocket)
	})

	base := strings.TrimRight(s.cfg.BasePath, "/")
	if base == "" {
		base = "/"
	}
	r.Route(base, func(r chi.Router) {
		r.Use(s.limitBody)

		// Health and info (no auth required)
		r.Get("/health", s.handleHealth)
		r.Get("/info", s.handleInfo)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/user/current", func(r chi.Router) {
				r.Get("/", s.handleGetCurrentUser)
				r.Put("/", s.handleUpdateCurrentUser)
			})

			r.With(require(auth.PermUserManage)).Get("/audit", s.handleListAudit)

			r.With(require(auth.PermNetworkRead)).Get("/network", s.handleListNetworks)
			r.With(require(auth.PermNetworkRead)).Get("/network/{networkID}", s.handleGetNetwork)

			r.Route("/device", func(r chi.Router) {
				r.With(require(auth.PermDeviceRead)).Get("/", s.handleListDevices)

				// Long polls across devices
				r.With(require(auth.PermMessageRead)).Get("/notification/poll", s.handlePollNotifications)
				r.With(require(auth.PermMessageRead)).Get("/command/poll", s.handlePollCommands)

				r.Route("/{id}", func(r chi.Router) {
					r.Use(s.deviceAccessMiddleware)

					r.With(require(auth.PermDeviceRead)).Get("/", s.handleGetDevice)
					r.With(require(auth.PermDeviceRegister)).Put("/", s.handleSaveDevice)
					r.With(require(auth.PermUserManage)).Delete("/", s.handleDeleteDevice)
					r.With(require(auth.PermDeviceRead)).Get("/equipment", s.handleGetEquipment)

					r.Route("/notification", func(r chi.Router) {
						r.With(require(auth.PermMessageRead)).Get("/", s.handleListNotifications)
						r.With(require(auth.PermMessageRead)).Get("/poll", s.handlePollDeviceNotifications)
						r.With(require(auth.PermMessageWrite)).Post("/", s.handleInsertNotification)
					})

					r.Route("/command", func(r chi.Router) {
						r.With(require(auth.PermMessageRead)).Get("/", s.handleListCommands)
						r.With(require(auth.PermMessageWrite)).Post("/", s.handleInsertCommand)
						r.With(require(auth.PermMessageRead)).Get("/poll", s.handlePollDeviceCommands)
						r.With(require(auth.PermMessageRead)).Get("/{commandID}", s.handleGetCommand)
						r.With(require(auth.PermMessageWrite)).Put("/{commandID}", s.handleUpdateCommand)
						r.With(require(auth.PermMessageRead)).Get("/{commandID}/poll", s.handlePollCommandResult)
					})
				})
			})
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "unavailable",
			"version": s.version,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     s.version,
		"connections": s.conns.count(),
	})
}

// deviceAccessMiddleware stops devices from reaching other devices' resources.
func (s *Server) deviceAccessMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !principalFrom(r.Context()).CanAccessDevice(chi.URLParam(r, "id")) {
			writeForbidden(w, "access to this device is not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}
