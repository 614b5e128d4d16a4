package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pfpintranet/zkteco-listener/internal/device"
	"github.com/pfpintranet/zkteco-listener/internal/webhook"
	"github.com/pfpintranet/zkteco-listener/internal/zkteco"
	"github.com/prometheus/client_golang/prometheus"
)

// poller reads one device in a connect/poll/reconnect loop and forwards the
// events it has not seen before.
type poller struct {
	device   device.Device
	cfg      Config
	dial     dialFunc
	dispatch dDispatcher

	// seen holds the delivery keys already forwarded for day.
	seen    map[string]struct{}
	day     time.Time
	journal *journal

	records   prometheus.Counter
	forwarded prometheus.Counter
	connects  prometheus.Counter
}

func newPoller(dev device.Device, cfg Config, dial dialFunc, dispatch dDispatcher) *poller {
	w := &poller{
		device:   dev,
		cfg:      cfg,
		dial:     dial,
		dispatch: dispatch,
		seen:     make(map[string]struct{}),
	}
	if cfg.JournalDir != "" {
		w.journal = newJournal(cfg.JournalDir, dev.IP)
	}
	return w
}

func (w *poller) run(ctx context.Context) {
	now := time.Now()
	w.day = now
	if w.journal != nil {
		keys, err := w.journal.load(now)
		if err != nil {
			slog.Warn("Could not load the forwarded events journal", "device", w.device.IP, "err", err)
		}
		for _, k := range keys {
			w.seen[k] = struct{}{}
		}
		if len(keys) > 0 {
			slog.Debug("Seeded forwarded events from the journal", "device", w.device.IP, "events", len(keys))
		}
	}

	for {
		err := w.session(ctx)
		if ctx.Err() != nil {
			slog.Debug("Device poller stopped", "device", w.device.IP)
			return
		}

		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			slog.Warn("Device timed out", "device", w.device.IP, "err", err)
		} else {
			slog.Warn("Device session failed", "device", w.device.IP, "err", err)
		}

		select {
		case <-time.After(w.cfg.ReconnectDelay):
		case <-ctx.Done():
			slog.Debug("Device poller stopped", "device", w.device.IP)
			return
		}
	}
}

// session dials the device and polls it until the first error.
func (w *poller) session(ctx context.Context) error {
	client, err := w.dial(ctx, zkteco.Config{
		Host:     w.device.IP,
		Port:     w.device.Port,
		Password: w.device.Password,
		Charset:  w.device.Charset,
		Timeout:  w.cfg.ConnectTimeout,
	})
	if err != nil {
		return err
	}
	slog.Info("Connected to device", "device", w.device.IP, "name", w.device.Name)
	w.connects.Inc()

	defer func() {
		// The session context may already be canceled, give the exit
		// exchange its own short deadline.
		dctx, cancel := context.WithTimeout(context.Background(), w.cfg.ConnectTimeout)
		defer cancel()
		if err := client.Disconnect(dctx); err != nil {
			slog.Debug("Could not disconnect cleanly", "device", w.device.IP, "err", err)
		}
	}()

	w.checkClock(ctx, client)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := w.poll(ctx, client); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// checkClock warns when the device clock drifts from the host by more than a
// minute. Drifting devices stamp events with the wrong time and break the
// today filter.
func (w *poller) checkClock(ctx context.Context, client deviceClient) {
	clock, err := client.Clock(ctx)
	if err != nil {
		slog.Debug("Could not read the device clock", "device", w.device.IP, "err", err)
		return
	}
	if drift := time.Since(clock); drift.Abs() > time.Minute {
		slog.Warn("Device clock drifts from the host", "device", w.device.IP, "drift", drift)
	}
}

// poll reads the full attendance log and forwards today's unseen events.
func (w *poller) poll(ctx context.Context, client deviceClient) error {
	records, err := client.Attendance(ctx)
	if err != nil {
		return fmt.Errorf("could not read attendance: %w", err)
	}
	w.records.Add(float64(len(records)))

	now := time.Now()
	if !sameDay(now, w.day) {
		// Day rollover: yesterday's keys can never match again.
		w.seen = make(map[string]struct{})
		w.day = now
	}

	var forwarded int
	for _, r := range records {
		if r.Timestamp.IsZero() || !sameDay(r.Timestamp, now) {
			continue
		}
		key := r.UserID + "|" + r.Timestamp.Format(webhook.TimeFormat)
		if _, dup := w.seen[key]; dup {
			continue
		}

		if !w.dispatch.Enqueue(webhook.Event{
			DeviceIP:   w.device.IP,
			DeviceName: w.device.Name,
			UserID:     r.UserID,
			Timestamp:  r.Timestamp,
		}) {
			// Dropped on a full queue, retried on the next poll.
			continue
		}
		w.seen[key] = struct{}{}
		w.forwarded.Inc()
		forwarded++
		slog.Info("Forwarded attendance event", "device", w.device.IP, "userid", r.UserID, "timestamp", r.Timestamp.Format(webhook.TimeFormat))
	}

	if forwarded > 0 && w.journal != nil {
		if err := w.journal.save(now, w.seen); err != nil {
			slog.Warn("Could not persist the forwarded events journal", "device", w.device.IP, "err", err)
		}
	}
	return nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
