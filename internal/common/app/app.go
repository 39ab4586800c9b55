package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/historian/internal/common/agentcontext"
)

// CreateContextWithShutdown returns a context that will report done when a SIGTERM or SIGINT is received
func CreateContextWithShutdown() *agentcontext.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-c:
			log.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return agentcontext.New(ctx, log.NewEntry(log.StandardLogger()))
}

// OnReloadSignal calls fn every time a SIGHUP is received, until ctx is done.
// Operators use it to clear a halted historian without restarting the process.
func OnReloadSignal(ctx context.Context, fn func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)
	go func() {
		defer signal.Stop(c)
		for {
			select {
			case <-c:
				log.Info("Received SIGHUP")
				fn()
			case <-ctx.Done():
				return
			}
		}
	}()
}
