package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// AnonymousSubject owns every request when no API keys are configured.
const AnonymousSubject = "anonymous"

type subjectKey struct{}

func withSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the authenticated subject, or "" if not set.
func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

// ParseAPIKeys turns "key" or "key:subject" entries into a key -> subject
// map. A bare key is its own subject.
func ParseAPIKeys(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		key, subject, ok := strings.Cut(strings.TrimSpace(e), ":")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		subject = strings.TrimSpace(subject)
		if !ok || subject == "" {
			subject = key
		}
		out[key] = subject
	}
	return out
}

// AuthMiddleware accepts X-API-Key or Authorization: Bearer <key> and stores
// the key's subject in the request context.
func AuthMiddleware(apiKeys map[string]string) func(http.Handler) http.Handler {
	if len(apiKeys) == 0 {
		log.Warn().Msg("no API keys configured, authentication disabled")
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(withSubject(r.Context(), AnonymousSubject)))
			})
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if key == "" {
				writeError(w, http.StatusUnauthorized, "invalid or missing API key")
				return
			}
			var subject string
			for k, s := range apiKeys {
				if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
					subject = s
					break
				}
			}
			if subject == "" {
				writeError(w, http.StatusUnauthorized, "invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(withSubject(r.Context(), subject)))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
