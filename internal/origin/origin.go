// Package origin validates the Origin header of browser requests. WebSocket
// upgrades bypass CORS entirely, so this check is the only defense against a
// hostile page hijacking the terminal connection.
package origin

import (
	"net/http"
	"regexp"
)

// loopbackPattern matches exactly http(s)://localhost or http(s)://127.0.0.1,
// with an optional numeric port and nothing after it. Anchoring both ends
// rejects lookalikes such as "notlocalhost:3000", "localhost.evil.com" and
// origins with a path appended. IPv6 loopback is deliberately not matched.
var loopbackPattern = regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1)(:\d+)?$`)

// Guard decides whether a declared origin may open connections to this
// server. The zero value rejects everything except loopback and empty
// origins.
type Guard struct {
	allowed map[string]struct{}
}

// NewGuard creates a Guard accepting the given production origins in
// addition to the built-in loopback policy. Entries are matched exactly.
func NewGuard(allowedOrigins []string) *Guard {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o != "" {
			allowed[o] = struct{}{}
		}
	}
	return &Guard{allowed: allowed}
}

// Allowed reports whether the declared origin is acceptable. An empty origin
// is always accepted: same-origin fetches and non-browser clients (curl,
// health probes) send no Origin header.
func (g *Guard) Allowed(origin string) bool {
	if origin == "" {
		return true
	}
	if loopbackPattern.MatchString(origin) {
		return true
	}
	_, ok := g.allowed[origin]
	return ok
}

// AllowedRequest reports whether the request's declared origin is acceptable.
func (g *Guard) AllowedRequest(r *http.Request) bool {
	return g.Allowed(r.Header.Get("Origin"))
}

// EchoOrigin returns the origin value to reflect in an
// Access-Control-Allow-Origin header, or "" if the origin must not be
// acknowledged. An empty request origin yields "" as well: there is nothing
// to echo and no preflight to answer.
func (g *Guard) EchoOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	if g.Allowed(origin) {
		return origin
	}
	return ""
}
