package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// openPaths never require a token.
var openPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// requireToken reports whether r must carry the bearer token.
func (s *Server) requireToken(r *http.Request) bool {
	if openPaths[r.URL.Path] {
		return false
	}
	if s.config.PublicReads {
		return r.Method != http.MethodGet && r.Method != http.MethodHead
	}
	return true
}

// authMiddleware checks the Authorization header against AuthToken. It is a
// no-op when no token is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}
	want := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.requireToken(r) {
			got, ok := bearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="remotedata"`)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}
