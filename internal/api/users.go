package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/hivehub/internal/audit"
	"github.com/nerrad567/hivehub/internal/protocol"
)

// handleGetCurrentUser returns the authenticated user.
func (s *Server) handleGetCurrentUser(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if p.User == nil {
		writeForbidden(w, "devices have no user account")
		return
	}
	writeJSON(w, http.StatusOK, p.User.Protocol())
}

// handleUpdateCurrentUser changes the password of the authenticated user.
// Every access key of the user is revoked with the old password.
func (s *Server) handleUpdateCurrentUser(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if p.User == nil {
		writeForbidden(w, "devices have no user account")
		return
	}

	var body protocol.User
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if body.Login != "" && body.Login != p.User.Login {
		writeBadRequest(w, "login cannot be changed")
		return
	}

	if body.Password != "" {
		if err := s.auth.ChangePassword(r.Context(), p.User, body.Password); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		s.logger.Info("password changed", "user", p.User.Login)
		s.recordAudit(r.Context(), p, audit.SourceREST, audit.ActionPasswordChange, audit.EntityUser, p.User.Login, nil)
	}
	w.WriteHeader(http.StatusNoContent)
}
