package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
	"strings"
)

// BearerAuth rejects requests whose Authorization header does not carry
// token as a bearer credential. An empty token rejects every request.
func BearerAuth(token string) func(http.Handler) http.Handler {
	want := sha256.Sum256([]byte(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearerToken(r)
			if !ok || token == "" {
				unauthorized(w)
				return
			}
			// Compare digests so the comparison time does not depend on length.
			sum := sha256.Sum256([]byte(got))
			if !hmac.Equal(sum[:], want[:]) {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="calfanout"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
