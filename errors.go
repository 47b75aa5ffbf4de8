package imagemill

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/image-mill/image-mill/generate"
	"github.com/image-mill/image-mill/storage"
	"github.com/image-mill/image-mill/transcode"
	"github.com/image-mill/image-mill/variant"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// respondError maps a failure on the derivative path to a response.
// Everything arriving here is already classified; the default arm is
// for bugs, not for expected traffic.
func (s *Service) respondError(w http.ResponseWriter, r *http.Request, o storage.Original, err error) {
	logger := hlog.FromRequest(r)

	var invalid *variant.ValidationError
	switch {
	case errors.Is(err, context.Canceled):
		logger.Trace().Err(err).Msg("Client gone before response")
	case errors.As(err, &invalid):
		http.Error(w, invalid.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrOriginalNotFound):
		http.Error(w, "unknown image", http.StatusNotFound)
	case errors.Is(err, generate.ErrWaitTimeout),
		errors.Is(err, generate.ErrShuttingDown),
		errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", "5")
		http.Error(w, "generation in progress, retry shortly", http.StatusServiceUnavailable)
	case transcode.IsPermanent(err):
		logger.Debug().Err(err).Str("id", o.ID).Msg("Serving recorded permanent failure")
		http.Error(w, "image cannot be processed", http.StatusUnprocessableEntity)
	case transcode.IsTransient(err):
		logger.Warn().Err(err).Str("id", o.ID).Msg("Transcode failed")
		if s.config.DegradeOnTransient && s.degrade(w, r, o) {
			return
		}
		w.Header().Set("Retry-After", "5")
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
	case storage.IsRetryable(err):
		logger.Warn().Err(err).Str("id", o.ID).Msg("Storage failed")
		w.Header().Set("Retry-After", "5")
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
	default:
		logger.Error().Err(err).Str("id", o.ID).Msg("Derivative request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// degrade serves the untouched original so the page still renders while
// transcoding is down. Marked no-store so nothing upstream pins the
// fallback.
func (s *Service) degrade(w http.ResponseWriter, r *http.Request, o storage.Original) bool {
	if o.ID == "" {
		return false
	}
	b, err := s.store.ReadOriginal(o)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("id", o.ID).Msg("Could not read original for degraded response")
		return false
	}
	h := w.Header()
	h.Set("Content-Type", variant.MIMEForExt(o.Format))
	h.Set("Cache-Control", "no-store")
	h.Set("Vary", "Accept")
	h.Set("Cache-Status", cacheStatusDegraded)
	w.Write(b)
	return true
}
