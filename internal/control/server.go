// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package control implements the local control API through which UI clients drive the location
// updates daemon. It is served as HTTP over a unix domain socket.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wneessen/location-updates/internal/broadcast"
	"github.com/wneessen/location-updates/internal/locator"
	"github.com/wneessen/location-updates/internal/logger"
	"github.com/wneessen/location-updates/internal/service"
)

const (
	PathUpdates = "/v1/updates"
	PathState   = "/v1/state"
	PathEvents  = "/v1/events"

	contentTypeJSON   = "application/json"
	contentTypeNDJSON = "application/x-ndjson"

	readHeaderTimeout = time.Second * 5
	shutdownTimeout   = time.Second * 5
	socketPerm        = 0o600
)

// Controller is the update controller the server exposes.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (service.Status, error)
	Attach(ctx context.Context) (*broadcast.Observer, error)
	Detach(ctx context.Context, obs *broadcast.Observer, transient bool) error
}

type Server struct {
	ctrl   Controller
	logger *logger.Logger
	router chi.Router
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewServer(ctrl Controller, log *logger.Logger) *Server {
	server := &Server{ctrl: ctrl, logger: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(server.logRequests)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/updates", server.startUpdates)
		r.Delete("/updates", server.stopUpdates)
		r.Get("/state", server.state)
		r.Get("/events", server.events)
	})
	server.router = r
	return server
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen opens the unix domain socket at path. A stale socket file is replaced.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on control socket: %w", err)
	}
	if err = os.Chmod(path, socketPerm); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to set control socket permissions: %w", err)
	}
	return listener, nil
}

// Serve serves the control API on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("failed to shut down control server", logger.Err(err))
		}
	}()

	s.logger.Info("control server listening", slog.String("socket", listener.Addr().String()))
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve control API: %w", err)
	}
	<-shutdownDone
	return nil
}

func (s *Server) startUpdates(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Start(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.state(w, r)
}

func (s *Server) stopUpdates(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Stop(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.state(w, r)
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	status, err := s.ctrl.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// events attaches the client for as long as the request is open and streams every broadcast
// event as a JSON line. The first line carries the current subscription state.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	transient, _ := strconv.ParseBool(r.URL.Query().Get("transient"))
	status, err := s.ctrl.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	obs, err := s.ctrl.Attach(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer func() {
		if err := s.ctrl.Detach(context.WithoutCancel(r.Context()), obs, transient); err != nil &&
			!errors.Is(err, service.ErrNotRunning) {
			s.logger.Error("failed to detach client", logger.Err(err))
		}
	}()

	w.Header().Set("Content-Type", contentTypeNDJSON)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher := http.NewResponseController(w)
	encoder := json.NewEncoder(w)

	initial := broadcast.Event{
		Type:       broadcast.EventPreference,
		Requesting: status.Requesting,
		Location:   status.Location,
		Text:       status.Text,
		At:         time.Now(),
	}
	if err = encoder.Encode(initial); err != nil {
		return
	}
	_ = flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-obs.Events():
			if !ok {
				return
			}
			if err = encoder.Encode(event); err != nil {
				s.logger.Debug("failed to write event to client", logger.Err(err))
				return
			}
			if err = flusher.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, locator.ErrPermissionDenied):
		code = http.StatusForbidden
	case errors.Is(err, service.ErrNotRunning):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return
	}
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", logger.Err(err))
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("control request served", slog.String("method", r.Method),
			slog.String("path", r.URL.Path), slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)))
	})
}
