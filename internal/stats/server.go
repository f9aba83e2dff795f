package stats

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes /metrics and /healthz for the external reporting path.
type Server struct {
	logger *zap.Logger
	addr   string
	agg    *Aggregator
}

// NewServer wires the aggregator's registry into an HTTP listener.
func NewServer(logger *zap.Logger, addr string, agg *Aggregator) *Server {
	return &Server{logger: logger, addr: addr, agg: agg}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(s.agg.Registry(), promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         s.addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("metrics endpoint listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
