// Package cleanup closes stale attendance rows that never received a
// checkout time.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pfpintranet/zkteco-listener/internal/database"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultInterval is the pause between two cleanup passes.
	DefaultInterval = 4 * time.Hour

	// DefaultThreshold is how old an open row must be before it is closed.
	DefaultThreshold = 16 * time.Hour
)

// Config holds the cleanup scheduling settings.
type Config struct {
	Interval  time.Duration
	Threshold time.Duration
}

// dStore is the slice of the database manager the worker uses.
type dStore interface {
	StaleOpenLogs(ctx context.Context, threshold time.Time) ([]database.OpenLog, error)
	ShiftWindows(ctx context.Context, empID string, day time.Time) ([]database.ShiftWindow, error)
	CloseLog(ctx context.Context, id int64, timeOut time.Time) error
}

// Worker periodically closes stale open attendance rows.
type Worker struct {
	store dStore
	cfg   Config
	clk   clock.Clock

	passes     *prometheus.CounterVec
	rowsClosed prometheus.Counter
}

type options struct {
	clk                 clock.Clock
	maxDegradedDuration time.Duration
}

// Options represents an optional function to override default values.
type Options func(*options)

// NewWorker creates a cleanup worker over the given store.
func NewWorker(store dStore, cfg Config, reg prometheus.Registerer, args ...Options) (*Worker, error) {
	opts := options{
		clk: clock.New(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}

	passes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cleanup_passes_total",
		Help: "Completed cleanup passes by result.",
	}, []string{"result"})
	rowsClosed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cleanup_rows_closed_total",
		Help: "Stale attendance rows closed.",
	})
	for _, c := range []prometheus.Collector{passes, rowsClosed} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register cleanup metrics: %v", err)
		}
	}

	return &Worker{
		store: store,
		cfg:   cfg,
		clk:   opts.clk,

		passes:     passes,
		rowsClosed: rowsClosed,
	}, nil
}

// Run executes a pass immediately, then at every wall clock multiple of the
// interval (with the default 4h: 00:00, 04:00, 08:00, ...). A failed pass is
// logged and the next one keeps its slot.
//
// This is blocking until the context is canceled.
//
// Always returns a non-nil error, which is the context error.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("Cleanup worker started", "interval", w.cfg.Interval, "threshold", w.cfg.Threshold)

	for {
		closed, err := w.Pass(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("Cleanup pass failed", "err", err)
		} else {
			slog.Info("Cleanup cycle completed", "closed", closed)
		}

		now := w.clk.Now()
		next := nextRun(now, w.cfg.Interval)
		slog.Info("Next cleanup scheduled", "at", next.Format("15:04:05"), "wait", next.Sub(now))

		timer := w.clk.Timer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Pass runs one cleanup cycle and returns how many rows were closed.
func (w *Worker) Pass(ctx context.Context) (int, error) {
	threshold := w.clk.Now().Add(-w.cfg.Threshold)
	logs, err := w.store.StaleOpenLogs(ctx, threshold)
	if err != nil {
		w.passes.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("could not list stale rows: %v", err)
	}
	if len(logs) == 0 {
		slog.Debug("No incomplete records found", "threshold", w.cfg.Threshold)
		w.passes.WithLabelValues("ok").Inc()
		return 0, nil
	}
	slog.Info("Found incomplete records", "count", len(logs), "threshold", w.cfg.Threshold)

	closed := 0
	for _, l := range logs {
		timeOut := w.closeTime(ctx, l)
		if err := w.store.CloseLog(ctx, l.ID, timeOut); err != nil {
			w.passes.WithLabelValues("error").Inc()
			return closed, fmt.Errorf("could not close row %d: %v", l.ID, err)
		}
		closed++
		w.rowsClosed.Inc()
		slog.Info("Closed stale attendance record", "id", l.ID, "emp", l.EmpID, "timein", l.TimeIn.Time, "timeout", timeOut)
	}
	w.passes.WithLabelValues("ok").Inc()
	return closed, nil
}

// closeTime picks the checkout time for a stale row: the planned shift end
// when one resolves, else the row's reference time.
func (w *Worker) closeTime(ctx context.Context, l database.OpenLog) time.Time {
	timeOut := l.ReferenceTime()

	stamp := l.DateTimeStamp
	day := time.Date(stamp.Year(), stamp.Month(), stamp.Day(), 0, 0, 0, 0, stamp.Location())
	shifts, err := w.store.ShiftWindows(ctx, l.EmpID, day)
	if err != nil {
		slog.Debug("Shift lookup failed", "id", l.ID, "err", err)
		return timeOut
	}

	for _, shift := range shifts {
		// A holiday row planned to start at 00:00 carries no real end time,
		// try the next shift.
		if bool(shift.Holiday) && strings.HasPrefix(shift.InTmp.Text, "00:00") {
			continue
		}
		if !shift.OutTmp.Valid || shift.OutTmp.Text == "" {
			continue
		}

		end, err := parseClock(shift.OutTmp.Text)
		if err != nil {
			continue
		}
		timeOut = time.Date(day.Year(), day.Month(), day.Day(), end.Hour(), end.Minute(), 0, 0, day.Location())
		if l.TimeIn.Valid && !timeOut.After(l.TimeIn.Time) {
			// Overnight shift: the planned end lands on the next day.
			timeOut = timeOut.AddDate(0, 0, 1)
		}
		break
	}
	return timeOut
}

// parseClock reads the leading "HH:mm" of a planned shift time.
func parseClock(s string) (time.Time, error) {
	if len(s) > 5 {
		s = s[:5]
	}
	return time.Parse("15:04", s)
}

// nextRun returns the next wall clock multiple of the interval, counted from
// midnight and never past the next midnight.
func nextRun(now time.Time, interval time.Duration) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	next := midnight.Add(now.Sub(midnight).Truncate(interval) + interval)
	if day := midnight.Add(24 * time.Hour); next.After(day) {
		next = day
	}
	return next
}
