package health

import (
	"net/http"

	log "github.com/sirupsen/logrus"
)

// SetupHttpMux serves checker on /health: 204 while it passes, 503 with the failure as the body otherwise.
func SetupHttpMux(mux *http.ServeMux, checker Checker) {
	mux.Handle("/health", handler(checker))
}

func handler(checker Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		err := checker.Check()
		if err == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		log.Warnf("Health check failed: %v", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte(err.Error())); err != nil {
			log.WithError(err).Error("Failed to write health check response")
		}
	}
}
