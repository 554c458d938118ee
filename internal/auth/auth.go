package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
)

type Role int

const (
	RoleAnonymous Role = iota
	RoleUser
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	default:
		return "anonymous"
	}
}

type contextKey struct{}

// Credentials configures who may act as which role
type Credentials struct {
	Enabled    bool
	User       string
	Pass       string
	APIKey     string
	UserAPIKey string
}

func WithRole(ctx context.Context, role Role) context.Context {
	return context.WithValue(ctx, contextKey{}, role)
}

// FromContext returns the role attached by Identify, anonymous if none
func FromContext(ctx context.Context) Role {
	if role, ok := ctx.Value(contextKey{}).(Role); ok {
		return role
	}
	return RoleAnonymous
}

func IsAdmin(ctx context.Context) bool {
	return FromContext(ctx) == RoleAdmin
}

// Identify resolves the caller's role from HTTP Basic credentials or the
// X-Api-Key header. Presented but wrong credentials are rejected with 401.
// When access control is disabled every caller is an admin.
func Identify(creds Credentials) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !creds.Enabled {
				next.ServeHTTP(w, r.WithContext(WithRole(r.Context(), RoleAdmin)))
				return
			}

			role := RoleAnonymous

			if key := r.Header.Get("X-Api-Key"); key != "" {
				switch {
				case matches(key, creds.APIKey):
					role = RoleAdmin
				case matches(key, creds.UserAPIKey):
					role = RoleUser
				default:
					unauthorized(w)
					return
				}
			} else if username, password, ok := r.BasicAuth(); ok {
				// Use constant-time comparison to prevent timing attacks
				usernameMatch := matches(username, creds.User)
				passwordMatch := matches(password, creds.Pass)
				if !usernameMatch || !passwordMatch {
					unauthorized(w)
					return
				}
				role = RoleAdmin
			}

			next.ServeHTTP(w, r.WithContext(WithRole(r.Context(), role)))
		})
	}
}

// RequireUser rejects anonymous callers
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == RoleAnonymous {
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects everyone but admins
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch FromContext(r.Context()) {
		case RoleAdmin:
			next.ServeHTTP(w, r)
		case RoleUser:
			http.Error(w, "Forbidden", http.StatusForbidden)
		default:
			unauthorized(w)
		}
	})
}

func matches(given, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(given), []byte(expected)) == 1
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="printlapse"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
