// Package imagemill serves resized, format-negotiated image derivatives
// generated on demand from uploaded originals and cached immutably on
// disk. A reverse proxy serves READY artifacts straight off the storage
// layout and forwards only misses here.
package imagemill

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/image-mill/image-mill/generate"
	"github.com/image-mill/image-mill/storage"
	"github.com/image-mill/image-mill/transcode"
	"github.com/image-mill/image-mill/variant"
)

// Service wires storage, transcoding and generation coordination behind
// the HTTP surface. Create one with New and release it with Close.
type Service struct {
	config      Config
	log         zerolog.Logger
	index       storage.Index
	store       *storage.Store
	resolver    variant.Resolver
	pool        *transcode.Pool
	engine      *transcode.Engine
	coordinator *generate.Coordinator
	fetcher     *fetcher
}

// New builds a ready-to-serve Service from the config.
func New(config Config) (*Service, error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	index := config.Index
	if index == nil {
		var err error
		index, err = openIndex(config.IndexDB)
		if err != nil {
			return nil, fmt.Errorf("open index: %w", err)
		}
	}
	store, err := storage.New(config.StorageRoot, index, logger)
	if err != nil {
		index.Close()
		return nil, err
	}

	pool := transcode.NewPool(config.Workers)
	return &Service{
		config:   config,
		log:      logger.With().Str("component", "imagemill").Logger(),
		index:    index,
		store:    store,
		resolver: variant.NewResolver(config.Widths),
		pool:     pool,
		engine:   transcode.NewEngine(pool, config.Quality.options(), logger),
		coordinator: generate.NewCoordinator(generate.Config{
			Index:       index,
			WaitTimeout: config.WaitTimeout.Std(),
			RetryAfter:  config.RetryAfter.Std(),
			TaskTimeout: config.TaskTimeout.Std(),
			Logger:      logger,
		}),
		fetcher: newFetcher(config.FetchTimeout.Std(), config.MaxUploadBytes),
	}, nil
}

// openIndex maps the configured index name onto a provider: 'memory'
// for the map-backed index, anything else for a sqlite file.
func openIndex(name string) (storage.Index, error) {
	if name == "memory" {
		return storage.NewMemIndex(), nil
	}
	return storage.NewSQLiteIndex(name)
}

// Close drains in-flight generations, stops the worker pool and closes
// the index. In-flight HTTP requests should be shut down first.
func (s *Service) Close() error {
	s.coordinator.Close()
	s.pool.Close()
	return s.index.Close()
}

// Routes returns the HTTP surface of the service.
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.RequestIDHandler("reqId", "Request-Id"))
	r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(req).Debug().
			Str("method", req.Method).
			Stringer("url", req.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request served")
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/img/{id}", s.handleNegotiated)
	r.Get("/processed/{format}/{id}/{file}", s.handleProcessed)
	r.Get("/originals/{id}", s.handleOriginal)

	r.Route("/api", func(api chi.Router) {
		api.Use(s.cors)
		api.Get("/images/{id}", s.handleImageStatus)
		api.Group(func(g chi.Router) {
			g.Use(s.requireToken)
			g.Post("/images", s.handleUpload)
			g.Post("/ingest", s.handleIngest)
			g.Post("/ingest/batch", s.handleIngestBatch)
			g.Post("/rewrite", s.handleRewrite)
		})
	})

	return r
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleNegotiated serves /img/{id}: output format from the Accept
// header, width from the optional ?w hint.
func (s *Service) handleNegotiated(w http.ResponseWriter, r *http.Request) {
	width := 0
	if raw := r.URL.Query().Get("w"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.respondError(w, r, storage.Original{}, &variant.ValidationError{Field: "w", Reason: "not an integer"})
			return
		}
		width = parsed
	}
	format := variant.Negotiate(r.Header.Get("Accept"))
	s.serveDerivative(w, r, chi.URLParam(r, "id"), width, format, "")
}

// handleProcessed serves the path-addressed routes the reverse proxy
// forwards on a miss: /processed/{format}/{id}/{width}.{ext}.
func (s *Service) handleProcessed(w http.ResponseWriter, r *http.Request) {
	format, err := variant.ParseFormat(chi.URLParam(r, "format"))
	if err != nil {
		s.respondError(w, r, storage.Original{}, err)
		return
	}
	width, ext, err := splitWidthFile(chi.URLParam(r, "file"))
	if err != nil {
		s.respondError(w, r, storage.Original{}, err)
		return
	}
	s.serveDerivative(w, r, chi.URLParam(r, "id"), width, format, ext)
}

// handleOriginal serves the stored source bytes. In production the
// proxy serves these straight off disk; this route keeps dev setups
// self-contained. The id may carry the storage-layout extension.
func (s *Service) handleOriginal(w http.ResponseWriter, r *http.Request) {
	id, _, _ := strings.Cut(chi.URLParam(r, "id"), ".")
	o, err := s.store.Original(id)
	if err != nil {
		s.respondError(w, r, storage.Original{}, err)
		return
	}
	b, err := s.store.ReadOriginal(o)
	if err != nil {
		s.respondError(w, r, o, err)
		return
	}
	h := w.Header()
	h.Set("Content-Type", variant.MIMEForExt(o.Format))
	h.Set("Cache-Control", "public, max-age=31536000, immutable")
	h.Set("Content-Length", strconv.Itoa(len(b)))
	w.Write(b)
}

// serveDerivative resolves, ensures and serves one variant. ext is the
// path extension when the route carries one, "" to skip the check.
func (s *Service) serveDerivative(w http.ResponseWriter, r *http.Request, id string, width int, format variant.Format, ext string) {
	o, err := s.store.Original(id)
	if err != nil {
		s.respondError(w, r, storage.Original{}, err)
		return
	}
	key, err := s.resolver.Resolve(o.ID, o.Width, width, format)
	if err != nil {
		s.respondError(w, r, o, err)
		return
	}
	if ext != "" && ext != key.Format.Ext(o.Format) {
		s.respondError(w, r, o, &variant.ValidationError{
			Field:  "path",
			Reason: fmt.Sprintf("extension %q does not match format %s", ext, key.Format),
		})
		return
	}

	res, err := s.coordinator.Ensure(r.Context(), key, s.generation(o, key))
	if err != nil {
		s.respondError(w, r, o, err)
		return
	}
	b, err := s.store.Read(key, o.Format)
	if err != nil {
		s.respondError(w, r, o, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", key.Format.MIME(o.Format))
	h.Set("Cache-Control", "public, max-age=31536000, immutable")
	h.Set("Vary", "Accept")
	h.Set("Cache-Status", cacheStatusFor(res.Outcome))
	h.Set("Content-Length", strconv.Itoa(len(b)))
	w.Write(b)
}

// generation returns the GenerateFunc for one key: read the source,
// transcode on the pool, publish atomically, and hand the coordinator
// the ready record to persist.
func (s *Service) generation(o storage.Original, key variant.Key) generate.GenerateFunc {
	return func(ctx context.Context) (storage.Derivative, error) {
		src, err := s.store.ReadOriginal(o)
		if err != nil {
			return storage.Derivative{}, err
		}
		b, err := s.engine.Transcode(ctx, src, key.Width, key.Format)
		if err != nil {
			return storage.Derivative{}, err
		}
		path, err := s.store.WriteAtomic(key, o.Format, b)
		if err != nil {
			return storage.Derivative{}, err
		}
		return storage.Derivative{
			Key:         key.String(),
			OriginalID:  key.OriginalID,
			Width:       key.Width,
			Format:      string(key.Format),
			Path:        path,
			Size:        int64(len(b)),
			Status:      storage.StatusReady,
			GeneratedAt: time.Now(),
		}, nil
	}
}

// prewarm kicks off background generation for the whole ladder so the
// first visitor does not pay the transcode. Outcomes are recorded in
// the index like any other generation.
func (s *Service) prewarm(o storage.Original) {
	for _, width := range s.resolver.Ladder(o.Width) {
		for _, format := range []variant.Format{variant.FormatAVIF, variant.FormatWebP} {
			key, err := s.resolver.Resolve(o.ID, o.Width, width, format)
			if err != nil {
				continue
			}
			go func(key variant.Key) {
				ctx, cancel := context.WithTimeout(context.Background(), s.config.WaitTimeout.Std())
				defer cancel()
				_, err := s.coordinator.Ensure(ctx, key, s.generation(o, key))
				if err != nil && !errors.Is(err, generate.ErrWaitTimeout) && !errors.Is(err, context.DeadlineExceeded) {
					s.log.Debug().Err(err).Str("key", key.String()).Msg("Prewarm did not finish")
				}
			}(key)
		}
	}
}

// splitWidthFile parses the {width}.{ext} path segment.
func splitWidthFile(file string) (int, string, error) {
	stem, ext, found := strings.Cut(file, ".")
	if !found || stem == "" || ext == "" {
		return 0, "", &variant.ValidationError{Field: "path", Reason: "want {width}.{ext}"}
	}
	width, err := strconv.Atoi(stem)
	if err != nil || width <= 0 {
		return 0, "", &variant.ValidationError{Field: "width", Reason: "not a positive integer"}
	}
	return width, ext, nil
}
