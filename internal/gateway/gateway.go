// Package gateway assembles the HTTP server and the idle-reaper background
// task into one errgroup-coordinated run loop, grounded on the teacher's
// pkg/inference/scheduling.Scheduler.Run (errgroup.WithContext, one Go per
// worker, Wait at the end) and its loader.run (ticker-driven periodic
// sweep with ctx.Done as the exit signal).
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TKontu/vllm-gateway/internal/admission"
	"github.com/TKontu/vllm-gateway/internal/logging"
)

// Gateway owns the HTTP listener and the reaper loop; Run blocks until ctx
// is cancelled, then stops the reaper and shuts the listener down, waiting
// at most 10s for in-flight requests (including admissions) to finish.
type Gateway struct {
	server   *http.Server
	reaperEvery time.Duration
	controller  *admission.Controller
	log         logging.Logger
}

func New(addr string, handler http.Handler, controller *admission.Controller, reaperEvery time.Duration, log logging.Logger) *Gateway {
	return &Gateway{
		server:      &http.Server{Addr: addr, Handler: handler},
		reaperEvery: reaperEvery,
		controller:  controller,
		log:         log,
	}
}

// Run starts the HTTP server and the idle reaper as errgroup workers and
// blocks until ctx is cancelled or either worker returns an error, the
// same shape as scheduler.Run in the teacher.
func (g *Gateway) Run(ctx context.Context) error {
	workers, workerCtx := errgroup.WithContext(ctx)

	workers.Go(func() error {
		g.log.WithField("addr", g.server.Addr).Info("gateway: listening")
		err := g.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	workers.Go(func() error {
		g.runReaper(workerCtx)
		return nil
	})

	workers.Go(func() error {
		<-workerCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		g.log.Info("gateway: shutdown signal received, closing listener")
		return g.server.Shutdown(shutdownCtx)
	})

	return workers.Wait()
}

// runReaper implements §4.6's "Idle Reaper": every reaperEvery (default
// 60s, overridable per SPEC_FULL.md's supplemented REAPER_INTERVAL_SECONDS
// knob), sweep the registry for inactive instances and tear them down.
// Modeled on loader.run's ticker/select shape in the teacher.
func (g *Gateway) runReaper(ctx context.Context) {
	ticker := time.NewTicker(g.reaperEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.controller.Reap(ctx)
		}
	}
}
