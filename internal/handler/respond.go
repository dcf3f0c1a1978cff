package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/reelcast-backend/internal/errors"
	"github.com/unclebandit/reelcast-backend/internal/token"
)

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps application errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case appErrors.IsValidation(err):
		return http.StatusBadRequest
	case appErrors.IsNotFound(err), errors.Is(err, token.ErrNotFound):
		return http.StatusNotFound
	case appErrors.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes {"error": ...}. Internal errors are logged and their
// detail is not returned to the caller.
func WriteError(w http.ResponseWriter, r *http.Request, log zerolog.Logger, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		msg = "internal error"
	}
	body := map[string]any{"error": msg}
	var v *appErrors.ValidationError
	if errors.As(err, &v) && v.Field != "" {
		body["field"] = v.Field
	}
	WriteJSON(w, status, body)
}

// IDParam parses a positive int64 URL parameter.
func IDParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, appErrors.NewValidation(name, "must be a positive integer")
	}
	return id, nil
}

// RequestLogger logs one line per request.
func RequestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
