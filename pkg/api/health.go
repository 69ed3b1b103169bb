package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/log"
	"github.com/cuemby/ledgerwatch/pkg/metrics"
	"github.com/rs/zerolog"
)

// HealthServer serves /health, /ready, /live and /metrics over HTTP
type HealthServer struct {
	mux    *http.ServeMux
	server *http.Server
	logger zerolog.Logger
}

// NewHealthServer creates a health server bound to addr
func NewHealthServer(addr string) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		mux:    mux,
		logger: log.WithComponent("api"),
	}

	mux.HandleFunc("/health", getOnly(metrics.HealthHandler()))
	mux.HandleFunc("/ready", getOnly(metrics.ReadyHandler()))
	mux.HandleFunc("/live", getOnly(metrics.LivenessHandler()))
	mux.Handle("/metrics", metrics.Handler())

	hs.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return hs
}

func getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// Serve accepts connections on lis until Shutdown. It returns nil after a
// clean shutdown.
func (hs *HealthServer) Serve(lis net.Listener) error {
	hs.logger.Info().Str("address", lis.Addr().String()).Msg("Health server listening")
	if err := hs.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens on the configured address and serves
func (hs *HealthServer) Start() error {
	lis, err := net.Listen("tcp", hs.server.Addr)
	if err != nil {
		return err
	}
	return hs.Serve(lis)
}

// Shutdown stops accepting connections and drains in-flight requests
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	return hs.server.Shutdown(ctx)
}

// Handler returns the mux for embedding in other servers
func (hs *HealthServer) Handler() http.Handler {
	return hs.mux
}
