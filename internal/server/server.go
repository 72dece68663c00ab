// Package server provides HTTP server initialization and lifecycle management
// for the engram API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/scrypster/engram/internal/config"
	"github.com/scrypster/engram/pkg/types"
	"github.com/scrypster/engram/web/handlers"
)

// reportNotifier is satisfied by engines that publish consolidation reports.
type reportNotifier interface {
	SetOnReport(callback func(*types.ConsolidationReport))
}

// NewHandler builds the routed, rate-limited handler. hub may be nil to
// disable the report stream.
func NewHandler(cfg *config.Config, e handlers.MemoryEngine, hub *handlers.WebSocketHub) http.Handler {
	api := handlers.NewAPIHandlers(e)
	search := handlers.NewSearchHandler(e)
	debug := handlers.NewDebugHandler(e)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", api.Health)
	mux.HandleFunc("POST /api/memories", api.Remember)
	mux.HandleFunc("GET /api/memories", api.Recall)
	mux.HandleFunc("DELETE /api/memories", api.Forget)
	mux.HandleFunc("GET /api/search", search.Search)
	mux.HandleFunc("GET /api/debug/search-trace", debug.SearchTrace)
	mux.HandleFunc("POST /api/context", api.AssembleContext)
	mux.HandleFunc("POST /api/consolidation/tick", api.RunTick)
	mux.HandleFunc("GET /api/consolidation/decisions", api.Decisions)
	mux.HandleFunc("GET /api/consolidation/archived", api.Archived)
	mux.HandleFunc("POST /api/graph/entities", api.AddEntity)
	mux.HandleFunc("POST /api/graph/relations", api.AddRelation)

	if hub != nil {
		mux.Handle("GET /ws", hub)
	}

	rateLimiter := handlers.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	handler := handlers.RateLimitMiddleware(mux, rateLimiter)
	return handlers.SecurityHeaders(handler)
}

// Running is a started API server.
type Running struct {
	// Addr is the actual listen address (useful with port 0).
	Addr string
	// Hub is nil when streaming is disabled.
	Hub  *handlers.WebSocketHub
	done chan struct{}
}

// Done is closed once the server has shut down after ctx was cancelled
// and in-flight requests have finished or the shutdown budget ran out.
func (r *Running) Done() <-chan struct{} {
	return r.done
}

// Start listens on the configured address and serves the API until ctx is
// cancelled. When e publishes consolidation reports they are forwarded to
// the hub.
func Start(ctx context.Context, cfg *config.Config, e handlers.MemoryEngine) (*Running, error) {
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	actualAddr := listener.Addr().String()

	var hub *handlers.WebSocketHub
	if cfg.Server.EnableStream {
		_, port, _ := net.SplitHostPort(actualAddr)
		hub = handlers.NewWebSocketHub(actualAddr, net.JoinHostPort("localhost", port), net.JoinHostPort("127.0.0.1", port))
		go hub.Run()
		if n, ok := e.(reportNotifier); ok {
			n.SetOnReport(func(r *types.ConsolidationReport) {
				hub.Broadcast(handlers.NewReportMessage(r))
			})
		}
	}

	server := &http.Server{
		Handler:      NewHandler(cfg, e, hub),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server error: %v", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		if hub != nil {
			hub.Stop()
		}
	}()

	log.Printf("engram API listening on http://%s", actualAddr)
	return &Running{Addr: actualAddr, Hub: hub, done: done}, nil
}
