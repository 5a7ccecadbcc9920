// Package liveness serves the worker's health-check route on its own
// listener, independently of the work loop.
package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/platform-worker/pkg/logging"
)

// HealthPath is the only route the server answers
const HealthPath = "/health"

var (
	ErrAlreadyStarted = errors.New("liveness server already started")
	ErrNotStarted     = errors.New("liveness server not started")
)

// Status is the fixed /health payload
type Status struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// Config for the liveness server
type Config struct {
	Addr        string // e.g. "0.0.0.0:8001"
	ServiceName string
}

type state int

const (
	stateUnstarted state = iota
	stateServing
	stateStopped
)

// Server answers liveness probes. It never logs per request.
type Server struct {
	cfg    Config
	logger *logging.Logger
	srv    *http.Server

	mu    sync.Mutex
	state state
	ln    net.Listener
	done  chan struct{}
	err   error
}

// NewServer creates a liveness server; nothing is bound until Start
func NewServer(cfg Config, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithField("component", "liveness")

	s := &Server{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
	s.srv = &http.Server{
		Handler:           NewRouter(cfg.ServiceName),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          log.New(logger.Writer(logging.WARN), "", 0),
	}
	return s
}

// NewRouter builds the liveness route table. Only a bare GET /health, with no
// query string, answers 200; any other GET is 404 and any other method is 501.
func NewRouter(serviceName string) *mux.Router {
	body, _ := json.Marshal(Status{Status: "healthy", Service: serviceName})

	r := mux.NewRouter().SkipClean(true)
	r.HandleFunc(HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}).Methods(http.MethodGet).MatcherFunc(noQuery)

	r.MatcherFunc(func(req *http.Request, _ *mux.RouteMatch) bool {
		return req.Method != http.MethodGet
	}).Handler(emptyStatus(http.StatusNotImplemented))

	// Probes hit unknown paths often; answer with empty bodies.
	r.NotFoundHandler = emptyStatus(http.StatusNotFound)
	r.MethodNotAllowedHandler = emptyStatus(http.StatusNotImplemented)
	return r
}

// noQuery rejects "/health?x=1" and "/health?"
func noQuery(req *http.Request, _ *mux.RouteMatch) bool {
	return req.URL.RawQuery == "" && !req.URL.ForceQuery
}

func emptyStatus(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	})
}

// Start binds the listener and serves on a separate goroutine. A bind failure
// is returned to the caller; Start never blocks on serving.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateUnstarted {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind liveness server on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.state = stateServing

	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Liveness server stopped unexpectedly", map[string]interface{}{"error": err.Error()})
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
	}()

	s.logger.Info(fmt.Sprintf("Health server started on %s", ln.Addr()))
	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serving reports whether the server is accepting probes
func (s *Server) Serving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateServing
}

// Done is closed once the serve goroutine has exited
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended serving, if it ended on its own
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop gracefully shuts the server down, bounded by ctx
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateServing {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.state = stateStopped
	s.mu.Unlock()

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop liveness server: %w", err)
	}
	<-s.done
	s.logger.Info("Health server stopped")
	return nil
}
