// Package listener runs the long-lived services of the attendance listener daemon.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Service ties the poller pool, the webhook dispatcher and the metrics server
// together and supervises their lifetime.
type Service struct {
	pool          PollerPool
	dispatcher    Dispatcher
	metricsServer MetricsServer

	// This context is used to interrupt any action.
	// It must be the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// This context requests a graceful stop of the sub-services.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc

	maxDegradedDuration time.Duration

	running chan struct{} // Channel to signal when the service is running.
}

// PollerPool is the device polling pool run by the service.
type PollerPool interface {
	Run(ctx context.Context) error
}

// Dispatcher is the webhook delivery pipeline run by the service.
type Dispatcher interface {
	Run(ctx context.Context) error
}

// MetricsServer is an interface that defines the methods for a metrics server.
type MetricsServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
	Close() error
}

type options struct {
	maxDegradedDuration time.Duration
}

// Option is a function which tweaks the creation of the Service.
type Option func(*options)

var (
	// errServiceClosed is returned when the service is already closed.
	errServiceClosed = errors.New("service closed")

	// ErrTeardownTimeout is returned when the service takes too long to shut down.
	// A force Quit may be required to cleanup the service.
	ErrTeardownTimeout = errors.New("service teardown timed out")
)

// New creates a listener service supervising the provided sub-services.
func New(ctx context.Context, pool PollerPool, dispatcher Dispatcher, metricsServer MetricsServer, args ...Option) *Service {
	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	opts := options{
		maxDegradedDuration: 2 * time.Minute, // Default degraded state duration
	}
	for _, arg := range args {
		arg(&opts)
	}

	running := make(chan struct{})
	close(running) // Close immediately to avoid blocking on the channel.
	return &Service{
		pool:          pool,
		dispatcher:    dispatcher,
		metricsServer: metricsServer,

		ctx:            ctx,
		cancel:         cancel,
		gracefulCtx:    gCtx,
		gracefulCancel: gCancel,

		maxDegradedDuration: opts.maxDegradedDuration,

		running: running,
	}
}

// Run starts the listener service.
//
// Returns once all sub-services have completed, or after an extended time being in a degraded state.
func (s *Service) Run() error {
	slog.Info("Listener service started")

	select {
	case <-s.gracefulCtx.Done():
		return fmt.Errorf("%w: %w", errServiceClosed, context.Cause(s.gracefulCtx))
	default:
	}

	s.running = make(chan struct{})
	defer close(s.running)
	defer s.cancel() // Ensure we cancel the context when done, regardless of result.

	done := make(chan error, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { done <- s.runPool(); wg.Done() }()
	go func() { done <- s.runDispatcher(); wg.Done() }()
	go func() { done <- s.runMetrics(); wg.Done() }()
	go func() { wg.Wait(); close(done) }() // Close done only after all goroutines have finished.

	// Ensure we don't get stuck in a degraded state if one of the services fails.
	err := <-done
	slog.Info("Waiting for listener services to finish")

	deadline := time.After(s.maxDegradedDuration)
	for remaining := 2; remaining > 0; remaining-- {
		select {
		case <-deadline:
			// We've waited for teardown for too long, give up even though errors may be lost.
			slog.Warn("Listener service teardown timed out")
			return errors.Join(err, ErrTeardownTimeout)
		case next := <-done:
			err = errors.Join(err, next)
		}
	}

	return err
}

func (s *Service) runPool() error {
	slog.Info("Starting poller pool")
	defer s.gracefulCancel() // Request stop if the pool fails.

	if err := s.pool.Run(s.gracefulCtx); err != nil && !errors.Is(err, s.gracefulCtx.Err()) {
		slog.Error("Poller pool encountered an error", "err", err)
		return fmt.Errorf("poller pool error: %v", err)
	}
	slog.Info("Poller pool stopped")
	return nil
}

func (s *Service) runDispatcher() error {
	slog.Info("Starting webhook dispatcher")
	defer s.gracefulCancel() // Request stop if the dispatcher fails.

	if err := s.dispatcher.Run(s.gracefulCtx); err != nil && !errors.Is(err, s.gracefulCtx.Err()) {
		slog.Error("Webhook dispatcher encountered an error", "err", err)
		return fmt.Errorf("webhook dispatcher error: %v", err)
	}
	slog.Info("Webhook dispatcher stopped")
	return nil
}

func (s *Service) runMetrics() error {
	slog.Info("Starting metrics server")
	defer s.gracefulCancel() // Request stop if metrics fail.

	metricsErrCh := make(chan error, 1)
	go func() {
		defer close(metricsErrCh)
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			metricsErrCh <- err
		}
	}()

	select {
	case <-s.ctx.Done():
		slog.Info("Closing metrics server", "reason", s.ctx.Err())
		s.metricsServer.Close()
		return nil
	case <-s.gracefulCtx.Done():
		slog.Info("Graceful shutdown initiated for metrics server")
		if err := s.metricsServer.Shutdown(s.ctx); err != nil {
			if errors.Is(err, s.ctx.Err()) {
				// A forced quit raced the graceful path; fall back to a hard close.
				s.metricsServer.Close()
				return nil
			}
			slog.Error("Metrics server graceful shutdown encountered error", "err", err)
			return fmt.Errorf("metrics server shutdown error: %v", err)
		}
	case err := <-metricsErrCh:
		// No need to shutdown or close, just propagate the error.
		if err != nil {
			slog.Error("Metrics server encountered error", "err", err)
			return fmt.Errorf("metrics server error: %v", err)
		}
	}
	slog.Info("Metrics server shut down gracefully")
	return nil
}

// Quit stops the listener service.
// Blocks until the service has finished running.
func (s *Service) Quit(force bool) {
	slog.Info("Stopping listener service")

	if force {
		s.cancel()
		s.metricsServer.Close()
	} else {
		s.gracefulCancel()
	}

	<-s.running // Wait for the service to finish running.
}
