package serve

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/historian/internal/common/health"
)

const shutdownTimeout = 5 * time.Second

// NewHttpServer returns a server exposing /health backed by checker and /metrics backed by gatherer.
func NewHttpServer(port uint16, checker health.Checker, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	health.SetupHttpMux(mux, checker)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ListenAndServe runs server until ctx is cancelled, then shuts it down gracefully.
// A server that stopped because of the shutdown is not an error.
func ListenAndServe(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("Serving http on %s", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.WithStack(err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.WithMessage(err, "error shutting down http server")
	}
	return nil
}
