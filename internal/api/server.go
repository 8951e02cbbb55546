// Package api serves the sync control surface and read-only queries over
// the event log and balance table.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"tokenledger/internal/gaps"
	"tokenledger/internal/indexer"
	"tokenledger/internal/reconcile"
	"tokenledger/internal/scheduler"
	"tokenledger/internal/storage"
	"tokenledger/internal/validate"
)

// JobScheduler is the job control surface.
type JobScheduler interface {
	Submit(req indexer.SyncRequest) (string, int, error)
	Job(id string) (scheduler.Job, bool)
	Cancel(id string) (scheduler.Job, error)
	Progress(contract string) (scheduler.Progress, bool)
	Health() scheduler.Health
}

// GapFinder scans a contract's stored block sequence.
type GapFinder interface {
	FindGaps(ctx context.Context, contract string) (gaps.Report, error)
}

// Verifier cross-checks a contract against the chain.
type Verifier interface {
	Verify(ctx context.Context, contract string) (validate.Report, error)
}

// Rebuilder replays a contract's events into balances.
type Rebuilder interface {
	Rebuild(ctx context.Context, contract string) (reconcile.Summary, error)
}

// Deps are the components behind the routes. Gaps, Verifier and Rebuilder
// are optional; their routes answer 503 when absent.
type Deps struct {
	Store     storage.Store
	Scheduler JobScheduler
	Gaps      GapFinder
	Verifier  Verifier
	Rebuilder Rebuilder
	Logger    *zap.Logger
}

// Options configure the HTTP listener.
type Options struct {
	Listen         string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Server is the HTTP control API.
type Server struct {
	r      chi.Router
	deps   Deps
	opts   Options
	logger *zap.Logger
}

func NewServer(deps Deps, opts Options) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"https://*", "http://*"}
	}
	s := &Server{deps: deps, opts: opts, logger: deps.Logger}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.r.ServeHTTP(w, r)
}

// Start listens until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", s.opts.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve api: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api: %w", err)
		}
		return nil
	}
}

// JSON writes data with the given status code.
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		fmt.Fprintf(w, "%s", err.Error())
	}
}

// ERROR writes an error body with the given status code.
func ERROR(w http.ResponseWriter, statusCode int, err error) {
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()}); err != nil {
		fmt.Fprintf(w, "%s", err.Error())
	}
}
