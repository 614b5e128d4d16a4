package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Service runs the cleanup worker alongside the metrics server and supervises
// their lifetime.
type Service struct {
	worker        Runner
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

// Runner is the scheduled worker run by the service.
type Runner interface {
	Run(ctx context.Context) error
}

// MetricsServer is an interface that defines the methods for a metrics server.
type MetricsServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
	Close() error
}

var (
	// errServiceClosed is returned when the service is already closed.
	errServiceClosed = errors.New("service closed")

	// ErrTeardownTimeout is returned when the service takes too long to shut down.
	// A force Quit may be required to cleanup the service.
	ErrTeardownTimeout = errors.New("service teardown timed out")
)

// NewService creates a cleanup service supervising the worker and the metrics
// server.
func NewService(ctx context.Context, worker Runner, metricsServer MetricsServer, args ...Options) *Service {
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
		worker:        worker,
		metricsServer: metricsServer,

		ctx:            ctx,
		cancel:         cancel,
		gracefulCtx:    gCtx,
		gracefulCancel: gCancel,

		maxDegradedDuration: opts.maxDegradedDuration,

		running: running,
	}
}

// Run starts the cleanup service.
//
// Returns once all sub-services have completed, or after an extended time being in a degraded state.
func (s *Service) Run() error {
	slog.Info("Cleanup service started")

	select {
	case <-s.gracefulCtx.Done():
		return fmt.Errorf("%w: %w", errServiceClosed, context.Cause(s.gracefulCtx))
	default:
	}

	s.running = make(chan struct{})
	defer close(s.running)
	defer s.cancel() // Ensure we cancel the context when done, regardless of result.

	done := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { done <- s.runWorker(); wg.Done() }()
	go func() { done <- s.runMetrics(); wg.Done() }()
	go func() { wg.Wait(); close(done) }() // Close done only after both goroutines have finished.

	// Ensure we don't get stuck in a degraded state if one of the services fails.
	err := <-done
	slog.Info("Waiting for cleanup services to finish")

	select {
	case <-time.After(s.maxDegradedDuration):
		// We've waited for teardown for too long, give up even though errors may be lost.
		slog.Warn("Cleanup service teardown timed out")
		err = errors.Join(err, ErrTeardownTimeout)
	case secondDone := <-done:
		err = errors.Join(err, secondDone)
	}

	return err
}

func (s *Service) runWorker() error {
	slog.Info("Starting cleanup worker")
	defer s.gracefulCancel() // Request stop if the worker fails.

	if err := s.worker.Run(s.gracefulCtx); err != nil && !errors.Is(err, s.gracefulCtx.Err()) {
		slog.Error("Cleanup worker encountered an error", "err", err)
		return fmt.Errorf("cleanup worker error: %v", err)
	}
	slog.Info("Cleanup worker stopped")
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

// Quit stops the cleanup service.
// Blocks until the service has finished running.
func (s *Service) Quit(force bool) {
	slog.Info("Stopping cleanup service")

	if force {
		s.cancel()
		s.metricsServer.Close()
	} else {
		s.gracefulCancel()
	}

	<-s.running // Wait for the service to finish running.
}
