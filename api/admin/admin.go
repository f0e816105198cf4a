// Package admin exposes the transaction callbacks, candidate staging and
// node status over HTTP/JSON.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/physcoord/core/alarm"
	"github.com/sushant-115/physcoord/core/ctrlstate"
	"github.com/sushant-115/physcoord/core/datastore"
	"github.com/sushant-115/physcoord/core/switchover"
	"github.com/sushant-115/physcoord/core/transaction"
)

// RoleSource reports the HA role.
type RoleSource interface {
	Role() switchover.Role
}

// Deps are what the admin API serves.
type Deps struct {
	Handler *transaction.Handler
	Store   datastore.Store
	Roles   RoleSource
	Runtime *ctrlstate.Registry
	Alarms  *alarm.Recorder
	Logger  *zap.Logger
	// EventLock is the coordinator's commit lock. Row listings hold its
	// read side so they never observe a half-applied commit.
	EventLock *sync.RWMutex

	// LogLevel, when set, serves GET and PUT on /log/level.
	LogLevel http.Handler
	// Metrics, when set, serves GET /metrics.
	Metrics http.Handler
}

// Server serves the admin API.
type Server struct {
	deps   Deps
	logger *zap.Logger
	mux    *http.ServeMux
}

// New builds the routes.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: deps.Logger.Named("admin"), mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /txn/start", s.handleStart)
	s.mux.HandleFunc("POST /txn/vote", s.handleVote)
	s.mux.HandleFunc("POST /txn/driver_result", s.handleDriverResult)
	s.mux.HandleFunc("POST /txn/global_commit", s.handleGlobalCommit)
	s.mux.HandleFunc("POST /txn/abort", s.handleAbort)
	s.mux.HandleFunc("POST /txn/end", s.handleEnd)
	s.mux.HandleFunc("POST /audit", s.handleAudit)
	s.mux.HandleFunc("PUT /candidate/rows", s.handleStage)
	s.mux.HandleFunc("DELETE /candidate/rows", s.handleUnstage)
	s.mux.HandleFunc("GET /rows", s.handleRows)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	if deps.LogLevel != nil {
		s.mux.Handle("GET /log/level", deps.LogLevel)
		s.mux.Handle("PUT /log/level", deps.LogLevel)
	}
	if deps.Metrics != nil {
		s.mux.Handle("GET /metrics", deps.Metrics)
	}
	return s
}

// ServeHTTP logs and routes a request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.logger.Debug("admin request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", rec.status),
		zap.Duration("took", time.Since(start)))
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("admin API listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Response is the body of every callback reply.
type Response struct {
	Result      string            `json:"result"`
	Message     string            `json:"message,omitempty"`
	Controllers map[string]string `json:"controllers,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeResult(w http.ResponseWriter, code transaction.ResultCode, report *transaction.EndReport) {
	resp := Response{Result: code.String()}
	if report != nil && len(report.Controllers) > 0 {
		resp.Controllers = make(map[string]string, len(report.Controllers))
		for name, err := range report.Controllers {
			if err != nil {
				resp.Controllers[name] = err.Error()
			} else {
				resp.Controllers[name] = "ok"
			}
		}
	}
	status := http.StatusOK
	switch code {
	case transaction.ResultSequenceError, transaction.ResultReferenced:
		status = http.StatusConflict
	case transaction.ResultFatal, transaction.ResultFailure:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Result: "bad_request", Message: fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, Response{Result: "bad_request", Message: err.Error()})
}
