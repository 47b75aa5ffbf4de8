package imagemill

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/image-mill/image-mill/storage"
	"github.com/image-mill/image-mill/variant"
)

// maxJSONBody caps the JSON API request bodies. Uploads have their own
// configurable cap.
const maxJSONBody int64 = 1 << 20

// maxBatchURLs bounds one batch ingest call.
const maxBatchURLs = 50

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// cors admits the configured dashboard origin on API routes and
// answers preflight.
func (s *Service) cors(next http.Handler) http.Handler {
	origin := s.config.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireToken guards mutating API routes with the configured bearer
// token. An empty token means open access.
func (s *Service) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIToken != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.config.APIToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "missing or invalid token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// POST /api/images
// ---------------------------------------------------------------------------

func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		if isBodyTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	b, err := io.ReadAll(file)
	if err != nil {
		if isBodyTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read upload")
		return
	}

	o, err := s.store.PutOriginal(b, declaredExt(header))
	if err != nil {
		s.apiError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.imageResponse(o))
}

// declaredExt extracts the client's claim about the upload format. The
// storage sniff has the final say; this only names originals whose
// container the sniff maps to several extensions.
func declaredExt(header *multipart.FileHeader) string {
	if ct := header.Header.Get("Content-Type"); ct != "" {
		if ext, ok := variant.ExtForMIME(ct); ok {
			return ext
		}
	}
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), ".")
}

func isBodyTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

// ---------------------------------------------------------------------------
// POST /api/ingest and /api/ingest/batch
// ---------------------------------------------------------------------------

type ingestRequest struct {
	URL     string `json:"url"`
	Prewarm bool   `json:"prewarm"`
}

func (s *Service) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	o, err := s.ingest(r.Context(), req.URL)
	if err != nil {
		s.apiError(w, err)
		return
	}
	if req.Prewarm {
		s.prewarm(o)
	}
	writeJSON(w, http.StatusCreated, s.imageResponse(o))
}

type batchRequest struct {
	URLs    []string `json:"urls"`
	Prewarm bool     `json:"prewarm"`
}

type batchEntry struct {
	URL   string         `json:"url"`
	Image *imageResponse `json:"image,omitempty"`
	Error string         `json:"error,omitempty"`
}

func (s *Service) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls is required")
		return
	}
	if len(req.URLs) > maxBatchURLs {
		writeError(w, http.StatusBadRequest, "too many urls in one batch")
		return
	}

	results := make([]batchEntry, 0, len(req.URLs))
	for _, u := range req.URLs {
		entry := batchEntry{URL: u}
		if o, err := s.ingest(r.Context(), u); err != nil {
			entry.Error = err.Error()
		} else {
			resp := s.imageResponse(o)
			entry.Image = &resp
			if req.Prewarm {
				s.prewarm(o)
			}
		}
		results = append(results, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// ingest fetches a source image and stores it, remembering the source
// URL so the rewriter can map markup back to the original. A URL seen
// before short-circuits to the stored original.
func (s *Service) ingest(ctx context.Context, rawURL string) (storage.Original, error) {
	if o, ok, err := s.index.FindBySourceURL(rawURL); err == nil && ok {
		return o, nil
	}
	b, declared, err := s.fetcher.fetch(ctx, rawURL)
	if err != nil {
		return storage.Original{}, err
	}
	o, err := s.store.PutOriginal(b, declared)
	if err != nil {
		return storage.Original{}, err
	}
	if err := s.index.MapSourceURL(rawURL, o.ID); err != nil {
		return storage.Original{}, err
	}
	return o, nil
}

// ---------------------------------------------------------------------------
// GET /api/images/{id}
// ---------------------------------------------------------------------------

type variantStatus struct {
	Width  int    `json:"width"`
	Format string `json:"format"`
	Status string `json:"status"`
	Path   string `json:"path,omitempty"`
	Error  string `json:"error,omitempty"`
}

type statusResponse struct {
	imageResponse
	Status []variantStatus `json:"status"`
}

// handleImageStatus reports the original's metadata and the generation
// state of every variant on its ladder, merging index records with
// in-flight generations.
func (s *Service) handleImageStatus(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.Original(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrOriginalNotFound) {
			writeError(w, http.StatusNotFound, "unknown image")
		} else {
			writeError(w, http.StatusInternalServerError, "lookup failed")
		}
		return
	}
	recorded, err := s.index.DerivativesFor(o.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	byKey := make(map[string]storage.Derivative, len(recorded))
	for _, d := range recorded {
		byKey[d.Key] = d
	}

	ladder := s.resolver.Ladder(o.Width)
	cells := make([]variantStatus, 0, len(ladder)*len(variant.Formats))
	for _, width := range ladder {
		for _, format := range variant.Formats {
			key := variant.Key{OriginalID: o.ID, Width: width, Format: format}
			cell := variantStatus{Width: width, Format: string(format), Status: "none"}
			if d, ok := byKey[key.String()]; ok {
				cell.Status = string(d.Status)
				cell.Error = d.Error
				if d.Path != "" {
					cell.Path = "/" + d.Path
				}
			}
			if s.coordinator.Pending(key) {
				cell.Status = "pending"
			}
			cells = append(cells, cell)
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{s.imageResponse(o), cells})
}

// ---------------------------------------------------------------------------
// POST /api/rewrite
// ---------------------------------------------------------------------------

type rewriteRequest struct {
	HTML string `json:"html"`
}

func (s *Service) handleRewrite(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)

	var req rewriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.HTML == "" {
		writeError(w, http.StatusBadRequest, "html is required")
		return
	}

	out, rewritten, err := s.rewriteHTML(req.HTML)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not parse html")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"html": out, "rewritten": rewritten})
}

// ---------------------------------------------------------------------------
// Response shapes
// ---------------------------------------------------------------------------

type imageResponse struct {
	ID        string    `json:"id"`
	Hash      string    `json:"hash"`
	Format    string    `json:"format"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	Original  string    `json:"original"`
	Variants  []string  `json:"variants"`
}

func (s *Service) imageResponse(o storage.Original) imageResponse {
	ladder := s.resolver.Ladder(o.Width)
	variants := make([]string, 0, len(ladder)*len(variant.Formats))
	for _, format := range variant.Formats {
		for _, width := range ladder {
			variants = append(variants, s.variantPath(o, format, width))
		}
	}
	return imageResponse{
		ID:        o.ID,
		Hash:      o.Hash,
		Format:    o.Format,
		Width:     o.Width,
		Height:    o.Height,
		Size:      o.Size,
		CreatedAt: o.CreatedAt,
		Original:  "/" + o.Path,
		Variants:  variants,
	}
}

// apiError maps ingest-side failures to JSON responses.
func (s *Service) apiError(w http.ResponseWriter, err error) {
	var fetchFailed *fetchError
	switch {
	case errors.As(err, &fetchFailed):
		writeError(w, http.StatusBadGateway, fetchFailed.Error())
	case errors.Is(err, storage.ErrUnsupportedImage):
		writeError(w, http.StatusUnsupportedMediaType, "not a supported image")
	case storage.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, "storage temporarily unavailable")
	default:
		s.log.Error().Err(err).Msg("Ingest failed")
		writeError(w, http.StatusInternalServerError, "could not store image")
	}
}
