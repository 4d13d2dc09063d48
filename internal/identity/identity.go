// Package identity extracts the bearer credential and user identity that the
// authentication collaborator attaches to every request. Authentication
// itself happens upstream; this package only carries the result.
package identity

import (
	"context"
	"net/http"
	"regexp"
	"strings"
)

const (
	// UserHeaderName carries the authenticated user ID, set by the auth
	// layer in front of the gateway.
	UserHeaderName = "X-Adlytic-User-ID"
)

type contextKey int

const credentialKey contextKey = iota

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Credential is a bearer token bound to a user identity. Every upstream call
// carries it; an unbound credential sends orchestrator operations down the
// setup-required path instead of the network.
type Credential struct {
	UserID string
	Token  string
}

// Bound reports whether the credential can authorize upstream calls.
func (c Credential) Bound() bool {
	return c.UserID != "" && c.Token != ""
}

// FromContext extracts the request credential. The zero value means the
// request arrived without usable credentials.
func FromContext(ctx context.Context) Credential {
	if c, ok := ctx.Value(credentialKey).(Credential); ok {
		return c
	}
	return Credential{}
}

// WithCredential returns a context carrying the credential. Used by the
// middleware and by tests.
func WithCredential(ctx context.Context, cred Credential) context.Context {
	return context.WithValue(ctx, credentialKey, cred)
}

func bearerFromRequest(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func userIDFromRequest(r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(UserHeaderName))
	if id == "" || !userIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// Middleware places the request credential on the context. Requests without
// credentials pass through with a zero credential; handlers decide whether
// the operation needs one.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred := Credential{
				UserID: userIDFromRequest(r),
				Token:  bearerFromRequest(r),
			}
			next.ServeHTTP(w, r.WithContext(WithCredential(r.Context(), cred)))
		})
	}
}
