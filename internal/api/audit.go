package api

import (
	"context"
	"net/http"

	"github.com/nerrad567/hivehub/internal/audit"
)

// recordAudit stores an audit entry. Failures are logged; they never fail
// the request that caused them.
func (s *Server) recordAudit(ctx context.Context, p *Principal, source, action, entityType, entityID string, details map[string]any) {
	if s.audit == nil {
		return
	}
	e := &audit.Entry{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Actor:      p.String(),
		Source:     source,
		Details:    details,
	}
	if err := s.audit.Create(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Warn("failed to record audit entry",
			"action", action,
			"entity_type", entityType,
			"entity_id", entityID,
			"error", err,
		)
	}
}

// handleListAudit returns audit entries, newest first. Query parameters:
// action, entityType, entityId, skip and take.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusOK, audit.ListResult{Entries: []audit.Entry{}})
		return
	}

	q := r.URL.Query()
	take, err := intParam(q, "take", 0)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	skip, err := intParam(q, "skip", 0)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	res, err := s.audit.List(r.Context(), audit.Filter{
		Action:     q.Get("action"),
		EntityType: q.Get("entityType"),
		EntityID:   q.Get("entityId"),
		Limit:      take,
		Offset:     skip,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
