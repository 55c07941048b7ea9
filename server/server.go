// Package server exposes a metafs Service over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gobeaver/metafs"
	"go.uber.org/atomic"
)

type HTTPServerConfig struct {
	ListenAddr string
	Log        *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration

	// MaxBodyBytes limits request bodies. Zero means 64 MiB.
	MaxBodyBytes int64
	// MaxWatchTimeout caps the long-poll timeout of watch requests. Zero
	// means one minute.
	MaxWatchTimeout time.Duration
}

type Server struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv     *http.Server
	handler *Handler
}

func New(cfg *HTTPServerConfig, svc *metafs.Service) (*Server, error) {
	if svc == nil {
		return nil, errors.New("server: nil service")
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 20
	}
	if cfg.MaxWatchTimeout <= 0 {
		cfg.MaxWatchTimeout = time.Minute
	}

	srv := &Server{
		cfg:     cfg,
		log:     cfg.Log,
		handler: NewHandler(svc, cfg.Log, cfg.MaxBodyBytes, cfg.MaxWatchTimeout),
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv, nil
}

// Router returns the HTTP routes of the server.
func (srv *Server) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	mux.Use(srv.httpLogger)

	mux.Route("/metafs/resources", func(r chi.Router) {
		r.Get("/", srv.handler.HandleListResources)
		r.Post("/", srv.handler.HandleRegisterResources)
		r.Delete("/{selector}", srv.handler.HandleDeregisterResource)
	})
	mux.Get("/metafs/snippets", srv.handler.HandleSnippets)

	mux.Route("/api/contents", func(r chi.Router) {
		r.Get("/*", srv.handler.HandleGet)
		r.Put("/*", srv.handler.HandleSave)
		r.Patch("/*", srv.handler.HandleRename)
		r.Post("/*", srv.handler.HandleCopy)
		r.Delete("/*", srv.handler.HandleDelete)
	})
	mux.Get("/api/find/*", srv.handler.HandleFind)
	mux.Get("/api/watch/*", srv.handler.HandleWatch)

	// Health and diagnostic endpoints
	mux.Get("/livez", srv.handleLivenessCheck)
	mux.Get("/readyz", srv.handleReadinessCheck)
	mux.Get("/drain", srv.handleDrain)
	mux.Get("/undrain", srv.handleUndrain)
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

// IsReady reports whether the server accepts new traffic.
func (srv *Server) IsReady() bool {
	return srv.isReady.Load()
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"status":"` + status + `"}`))
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "alive")
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeStatus(w, http.StatusOK, "ready")
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeStatus(w, http.StatusOK, "already draining")
		return
	}
	srv.log.Info("Server marked as not ready")
	time.AfterFunc(srv.cfg.DrainDuration, func() {
		srv.log.Info("Drain period completed")
	})
	writeStatus(w, http.StatusOK, "draining")
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeStatus(w, http.StatusOK, "already ready")
		return
	}
	srv.log.Info("Server marked as ready")
	writeStatus(w, http.StatusOK, "ready")
}

func (srv *Server) RunInBackground() {
	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Drain marks the server as not ready and waits for the drain period so
// load balancers can take it out of rotation.
func (srv *Server) Drain() {
	if srv.isReady.Swap(false) {
		srv.log.Info("Server marked as not ready", "drainDuration", srv.cfg.DrainDuration)
	}
	time.Sleep(srv.cfg.DrainDuration)
}

func (srv *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}
}
