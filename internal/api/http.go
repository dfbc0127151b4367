package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// BearerAuth rejects requests whose Authorization header does not carry token.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	var body errorBody
	body.Error.Message = fmt.Sprintf(format, args...)
	body.Error.Type = errType
	writeJSON(w, code, body)
}

// queryLimit reads the limit query parameter. Missing or non-positive values
// give def and anything above ceiling is clamped.
func queryLimit(r *http.Request, def, ceiling int) int {
	v, err := strconv.Atoi(r.URL.Query().Get("limit"))
	switch {
	case err != nil || v <= 0:
		return def
	case v > ceiling:
		return ceiling
	}
	return v
}

// requestLocale picks the first language tag of Accept-Language, unless the
// lang query parameter overrides it.
func requestLocale(r *http.Request) string {
	if l := r.URL.Query().Get("lang"); l != "" {
		return l
	}
	accept := r.Header.Get("Accept-Language")
	if accept == "" {
		return "en"
	}
	tag, _, _ := strings.Cut(accept, ",")
	tag, _, _ = strings.Cut(tag, ";")
	if tag = strings.TrimSpace(tag); tag == "" || tag == "*" {
		return "en"
	}
	return tag
}
