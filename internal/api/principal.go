package api

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/nerrad567/hivehub/internal/auth"
	"github.com/nerrad567/hivehub/internal/device"
)

// Device credential headers accepted on REST requests and WebSocket upgrades.
const (
	headerDeviceID  = "Auth-DeviceID"
	headerDeviceKey = "Auth-DeviceKey"
)

// devicePermissions are granted to an authenticated device, for itself only.
var devicePermissions = []auth.Permission{
	auth.PermDeviceRead,
	auth.PermDeviceRegister,
	auth.PermMessageRead,
	auth.PermMessageWrite,
}

// Principal is the authenticated caller: a user or a device.
type Principal struct {
	User   *auth.User
	Device *device.Device
}

// Can reports whether the principal holds perm.
func (p *Principal) Can(perm auth.Permission) bool {
	switch {
	case p == nil:
		return false
	case p.User != nil:
		return auth.HasPermission(p.User.Role, perm)
	case p.Device != nil:
		return slices.Contains(devicePermissions, perm)
	default:
		return false
	}
}

// CanAccessDevice reports whether the principal may act on device id.
// A device may only act on itself.
func (p *Principal) CanAccessDevice(id string) bool {
	switch {
	case p == nil:
		return false
	case p.Device != nil:
		return strings.EqualFold(p.Device.ID, id)
	default:
		return p.User != nil
	}
}

// IsAdmin reports whether the principal is an administrator.
func (p *Principal) IsAdmin() bool {
	return p != nil && p.User != nil && p.User.Role == auth.RoleAdministrator
}

// UserID returns the user id, or 0 for devices.
func (p *Principal) UserID() int64 {
	if p == nil || p.User == nil {
		return 0
	}
	return p.User.ID
}

// String describes the principal for logs.
func (p *Principal) String() string {
	switch {
	case p == nil:
		return "anonymous"
	case p.User != nil:
		return "user:" + p.User.Login
	case p.Device != nil:
		return "device:" + p.Device.ID
	default:
		return "anonymous"
	}
}

const ctxKeyPrincipal contextKey = "principal"

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

// principalFrom returns the principal stored by authMiddleware.
func principalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxKeyPrincipal).(*Principal)
	return p
}

// authenticate resolves the credentials of r.
//
// Returns:
//   - *Principal: the caller, or nil when no credentials were sent
//   - error: credential error
func (s *Server) authenticate(r *http.Request) (*Principal, error) {
	ctx := r.Context()

	if id := r.Header.Get(headerDeviceID); id != "" {
		d, err := s.hub.AuthenticateDevice(ctx, id, r.Header.Get(headerDeviceKey))
		if err != nil {
			return nil, err
		}
		return &Principal{Device: d}, nil
	}

	header := r.Header.Get("Authorization")
	if key, ok := strings.CutPrefix(header, "Bearer "); ok {
		user, err := s.auth.AuthenticateKey(ctx, strings.TrimSpace(key))
		if err != nil {
			return nil, err
		}
		return &Principal{User: user}, nil
	}
	if login, password, ok := r.BasicAuth(); ok {
		user, err := s.auth.AuthenticatePassword(ctx, login, password)
		if err != nil {
			return nil, err
		}
		return &Principal{User: user}, nil
	}
	return nil, nil
}

// authMiddleware rejects requests without valid credentials and stores the
// principal in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.authenticate(r)
		if err != nil {
			s.logger.Debug("authentication failed", "path", r.URL.Path, "error", err)
			s.metrics.authFailed("rest")
			if status, _ := errorStatus(err); status == http.StatusInternalServerError {
				s.writeDomainError(w, r, err)
				return
			}
			writeUnauthorized(w, "invalid credentials")
			return
		}
		if p == nil {
			writeUnauthorized(w, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// require returns middleware that rejects principals lacking perm.
func require(perm auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !principalFrom(r.Context()).Can(perm) {
				writeForbidden(w, "missing permission "+string(perm))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
