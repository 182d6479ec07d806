package http

import (
	"net/http"

	"live-quiz-engine/internal/auth"
)

// authenticate resolves the bearer token into an auth.Identity on the
// request context. Browsers cannot set headers on websocket handshakes, so
// the access_token query parameter is accepted too.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		if raw == "" {
			raw = r.URL.Query().Get("access_token")
		}
		id, err := s.tokens.Verify(raw)
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}
