package server

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"printlapse/internal/auth"
	"printlapse/internal/cache"
	"printlapse/internal/config"
	"printlapse/internal/handlers"
	"printlapse/internal/printer"
	"printlapse/internal/storage"
	"printlapse/internal/timelapse"
)

const (
	apiPrefix  = "/api/v1/timelapse"
	gcInterval = 10 * time.Minute
)

type Server struct {
	config     *config.Config
	logger     *logrus.Logger
	store      *storage.PersistentStore
	timelapses *timelapse.Manager
	printer    *printer.Tracker
	cache      *cache.ResponseCache
	handler    *handlers.TimelapseHandler
	httpServer *http.Server

	background context.CancelFunc
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

func New(cfg *config.Config, logger *logrus.Logger) (*Server, error) {
	store, err := storage.New(cfg.DataDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create persistent store")
	}

	timelapses, err := timelapse.New(timelapse.Options{
		Dir:        cfg.TimelapseDir,
		TmpDir:     cfg.TimelapseTmpDir,
		FFmpegPath: cfg.FFmpegPath,
		Bitrate:    cfg.Bitrate,
		Threads:    cfg.RenderThreads,
		Workers:    cfg.RenderWorkers,
		Timeout:    cfg.RenderTimeout,
		KeepFrames: cfg.KeepRenderFrames,
	}, store, logger)
	if err != nil {
		store.Close()
		return nil, errors.Wrap(err, "failed to create timelapse manager")
	}

	tracker := printer.NewTracker(logger)
	responses := cache.New(cfg.CacheTTL, cfg.CacheMaxEntries)

	mux := http.NewServeMux()
	server := &Server{
		config:     cfg,
		logger:     logger,
		store:      store,
		timelapses: timelapses,
		printer:    tracker,
		cache:      responses,
		handler:    handlers.NewTimelapseHandler(timelapses, tracker, responses, logger),
		httpServer: &http.Server{
			Addr:         cfg.Addr(),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}

	timelapses.OnMovieDone(server.onMovieDone)
	server.setupRoutes(mux)
	server.httpServer.Handler = server.middleware(mux)

	return server, nil
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	h := s.handler
	cached := cache.Cached(s.cache, h.CacheKey, h.Validators)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET "+handlers.DownloadPrefix+"{filename}", s.handleDownload)

	mux.Handle("GET "+apiPrefix, cached(http.HandlerFunc(h.List)))
	mux.Handle("POST "+apiPrefix, auth.RequireUser(http.HandlerFunc(h.Configure)))
	mux.Handle("GET "+apiPrefix+"/{filename}", cache.NonCaching(http.HandlerFunc(h.Download)))
	mux.Handle("DELETE "+apiPrefix+"/{filename}", auth.RequireAdmin(http.HandlerFunc(h.DeleteFinished)))
	mux.Handle("DELETE "+apiPrefix+"/unrendered/{name}", auth.RequireAdmin(http.HandlerFunc(h.DeleteUnrendered)))
	mux.Handle("POST "+apiPrefix+"/unrendered/{name}", auth.RequireUser(http.HandlerFunc(h.Command)))
}

func (s *Server) middleware(next http.Handler) http.Handler {
	var limiter func(http.Handler) http.Handler
	if s.config.RateLimitEnabled {
		limiter = RateLimit(s.config.RateLimitRPM, s.config.RateLimitBurst)
	}

	return Chain(next,
		Recovery(s.logger),
		RequestID(),
		Logging(s.logger),
		limiter,
		auth.Identify(auth.Credentials{
			Enabled:    s.config.AuthEnabled,
			User:       s.config.AuthUser,
			Pass:       s.config.AuthPass,
			APIKey:     s.config.APIKey,
			UserAPIKey: s.config.UserAPIKey,
		}),
	)
}

// Handler exposes the fully wired HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) onMovieDone(name string, err error) {
	removed := s.cache.InvalidateMatching(cache.RenderedViews())

	entry := s.logger.WithFields(logrus.Fields{
		"name":        name,
		"invalidated": removed,
	})
	if err != nil {
		entry.WithError(err).Warn("Timelapse rendering failed")
		return
	}
	entry.Info("Timelapse movie done")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "healthy",
		"data_dir":  s.config.DataDir,
		"timelapse": s.timelapses.Current().Type,
		"printer":   s.printer.State(),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")

	path, err := s.timelapses.MoviePath(name)
	switch {
	case errors.Is(err, timelapse.ErrInvalidName):
		http.Error(w, "Invalid timelapse name", http.StatusBadRequest)
		return
	case errors.Is(err, timelapse.ErrNotFound):
		http.NotFound(w, r)
		return
	case err != nil:
		s.logger.WithError(err).WithField("name", name).Error("Failed to resolve timelapse")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeFile(w, r, path)
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"addr":          s.httpServer.Addr,
		"data_dir":      s.config.DataDir,
		"timelapse_dir": s.config.TimelapseDir,
		"auth":          s.config.AuthEnabled,
	}).Info("Starting printlapse server")

	s.startBackground()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		s.Stop()
		if ok {
			return errors.Wrap(err, "server failed")
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("Shutting down server...")
	}

	if err := s.Stop(); err != nil {
		s.logger.WithError(err).Error("Server forced to shutdown")
		return err
	}

	s.logger.Info("Server shutdown complete")
	return nil
}

func (s *Server) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	s.background = cancel

	if s.config.PrinterStatusURL != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.printer.Watch(ctx, s.config.PrinterStatusURL, s.config.PrinterStatusInterval)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(gcInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.store.RunGarbageCollection(); err != nil {
					s.logger.WithError(err).Warn("Store garbage collection failed")
				}
			}
		}
	}()
}

// Stop shuts the HTTP server down and releases every resource. It is safe to
// call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		err = s.httpServer.Shutdown(ctx)

		if s.background != nil {
			s.background()
		}
		s.wg.Wait()

		s.timelapses.Close()
		s.cache.Close()

		if closeErr := s.store.Close(); closeErr != nil {
			s.logger.WithError(closeErr).Error("Error closing persistent store")
			if err == nil {
				err = closeErr
			}
		}
	})
	return err
}
