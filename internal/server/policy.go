package server

import (
	"crypto/subtle"
	"net/http"
)

// ForwardAuthPolicy is the process-wide admin authorization contract:
// a reverse proxy authenticates the operator and forwards a header whose
// value must equal the configured admin value. Immutable after startup.
type ForwardAuthPolicy struct {
	HeaderName     string
	ExpectedValue  string
	NicknameHeader string
	DevOpen        bool
}

// Open reports whether admin routes are unauthenticated: the dev flag, or
// an incomplete header/value pair.
func (p ForwardAuthPolicy) Open() bool {
	return p.DevOpen || p.HeaderName == "" || p.ExpectedValue == ""
}

// Admits reports whether the request carries the admin header.
func (p ForwardAuthPolicy) Admits(r *http.Request) bool {
	if p.Open() {
		return true
	}
	got := r.Header.Get(p.HeaderName)
	return constantTimeEqual(got, p.ExpectedValue)
}

// Nickname extracts the audit-only identity header, if configured.
// It never influences authorization.
func (p ForwardAuthPolicy) Nickname(r *http.Request) string {
	if p.NicknameHeader == "" {
		return ""
	}
	return r.Header.Get(p.NicknameHeader)
}

// constantTimeEqual compares secrets without short-circuiting.
func constantTimeEqual(a, b string) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
