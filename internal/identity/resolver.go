// Package identity resolves who is behind an incoming HTTP or websocket
// request. Authentication itself lives in front of this service; the
// resolver only reads what the gateway forwarded.
package identity

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/zhouzirui/medlink/backend/internal/realtime"
)

// ErrUnauthorized is returned when a staff request carries no usable identity.
var ErrUnauthorized = errors.New("unauthorized")

// Resolver maps a request onto a connection identity.
type Resolver interface {
	Visitor(r *http.Request) (realtime.Identity, error)
	Staff(r *http.Request) (realtime.Identity, error)
}

// Header names forwarded by the gateway.
const (
	HeaderUserID    = "X-User-ID"
	HeaderStaffID   = "X-Staff-ID"
	HeaderStaffName = "X-Staff-Name"
	HeaderToken     = "X-Staff-Token"
)

// HeaderResolver reads identities from gateway headers, falling back to query
// parameters because browsers cannot set headers on websocket upgrades.
type HeaderResolver struct {
	// StaffToken, when set, must match the X-Staff-Token header or token query parameter.
	StaffToken string
}

// NewHeaderResolver creates a HeaderResolver.
func NewHeaderResolver(staffToken string) *HeaderResolver {
	return &HeaderResolver{StaffToken: strings.TrimSpace(staffToken)}
}

// Visitor never fails: anonymous visitors get an empty user id.
func (h *HeaderResolver) Visitor(r *http.Request) (realtime.Identity, error) {
	return realtime.Visitor(lookup(r, HeaderUserID, "userId")), nil
}

// Staff requires a staff id and, if configured, the shared token.
func (h *HeaderResolver) Staff(r *http.Request) (realtime.Identity, error) {
	if h.StaffToken != "" {
		token := lookup(r, HeaderToken, "token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.StaffToken)) != 1 {
			return realtime.Identity{}, errors.Wrap(ErrUnauthorized, "invalid staff token")
		}
	}
	id := lookup(r, HeaderStaffID, "staffId")
	if id == "" {
		return realtime.Identity{}, errors.Wrap(ErrUnauthorized, "staff id is required")
	}
	return realtime.Staff(id, lookup(r, HeaderStaffName, "staffName")), nil
}

func lookup(r *http.Request, header, query string) string {
	if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get(query))
}
