// Package monitor provides the device poller pool for the listener service.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pfpintranet/zkteco-listener/internal/device"
	"github.com/pfpintranet/zkteco-listener/internal/webhook"
	"github.com/pfpintranet/zkteco-listener/internal/zkteco"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultPollInterval is the pause between two attendance reads.
	DefaultPollInterval = 5 * time.Second

	// DefaultReconnectDelay is the pause before re-dialing a failed device.
	DefaultReconnectDelay = 3 * time.Second
)

// Config holds the polling settings shared by every poller.
type Config struct {
	PollInterval   time.Duration
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration

	// JournalDir is where pollers persist the keys already forwarded for the
	// current day. Empty disables the journal.
	JournalDir string
}

// Pool is a struct that holds the device poller management logic.
type Pool struct {
	inventory dInventory
	dispatch  dDispatcher
	cfg       Config
	dial      dialFunc

	mu       sync.Mutex
	pollers  map[string]pollerHandle
	pollerWG sync.WaitGroup

	metricsMu     sync.Mutex
	activePollers prometheus.Gauge
	records       *prometheus.CounterVec
	forwarded     *prometheus.CounterVec
	connects      *prometheus.CounterVec
}

type pollerHandle struct {
	device device.Device
	cancel context.CancelFunc
}

type dInventory interface {
	Watch(context.Context) (<-chan struct{}, <-chan error, error)
	Devices() []device.Device
}

type dDispatcher interface {
	Enqueue(webhook.Event) bool
}

// deviceClient is the slice of the protocol client the pollers use.
type deviceClient interface {
	Attendance(ctx context.Context) ([]zkteco.Record, error)
	Clock(ctx context.Context) (time.Time, error)
	Disconnect(ctx context.Context) error
}

type dialFunc func(ctx context.Context, cfg zkteco.Config) (deviceClient, error)

type options struct {
	dial dialFunc
}

// Options represents an optional function to override Pool default values.
type Options func(*options)

// New creates a new poller pool instance with the provided inventory,
// dispatcher and Prometheus registerer.
func New(inventory dInventory, dispatch dDispatcher, cfg Config, reg prometheus.Registerer, args ...Options) (*Pool, error) {
	opts := options{
		dial: func(ctx context.Context, cfg zkteco.Config) (deviceClient, error) {
			return zkteco.Dial(ctx, cfg)
		},
	}
	for _, opt := range args {
		opt(&opts)
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = zkteco.DefaultTimeout
	}

	activePollers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "listener_active_pollers",
		Help: "Number of running device pollers.",
	})
	records := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "listener_device_records_total",
		Help: "Attendance records read from each device, duplicates included.",
	}, []string{"device"})
	forwarded := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "listener_events_forwarded_total",
		Help: "New attendance events handed to the webhook dispatcher.",
	}, []string{"device"})
	connects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "listener_device_connects_total",
		Help: "Successful device connections, including reconnections.",
	}, []string{"device"})
	for _, c := range []prometheus.Collector{activePollers, records, forwarded, connects} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register poller metrics: %v", err)
		}
	}

	return &Pool{
		inventory: inventory,
		dispatch:  dispatch,
		cfg:       cfg,
		dial:      opts.dial,

		pollers: make(map[string]pollerHandle),

		activePollers: activePollers,
		records:       records,
		forwarded:     forwarded,
		connects:      connects,
	}, nil
}

// Run orchestrates and manages the pool of device pollers.
//
// It watches the inventory and diffs the running pollers against it: added
// devices get a poller, removed ones are stopped, changed ones restarted.
//
// This is blocking until an error occurs or the context is canceled and all
// pollers are done.
//
// Always returns a non-nil error, which is either a context error or an
// inventory watching error.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("Device monitor started")

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reloadEventCh, watchErrCh, err := p.inventory.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to start watching the inventory: %v", err)
	}

	// Initial sync
	p.syncPollers(ctx)

	// Debounce timer for handling bursts of inventory events
	debounceDuration := 5 * time.Second
	debounceTimer := time.NewTimer(debounceDuration)
	defer debounceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Context canceled, stopping poller pool")
			p.pollerWG.Wait()
			return ctx.Err()

		case _, ok := <-reloadEventCh:
			if !ok {
				return fmt.Errorf("inventory change channel closed unexpectedly")
			}
			if !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(debounceDuration)

		case <-debounceTimer.C:
			// Timer expired, perform the resync
			slog.Info("Resyncing pollers after inventory change")
			p.syncPollers(ctx)
			slog.Debug("Completed resyncing pollers")

		case err, ok := <-watchErrCh:
			if !ok {
				return fmt.Errorf("inventory error channel closed unexpectedly")
			}
			if err != nil {
				slog.Error("Inventory watcher error", "err", err)
			}
		}
	}
}

// syncPollers diffs the inventory and starts/stops poller goroutines.
func (p *Pool) syncPollers(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inventory := make(map[string]device.Device)
	for _, d := range p.inventory.Devices() {
		inventory[d.IP] = d
	}

	// stop removed or changed devices
	for ip, h := range p.pollers {
		d, ok := inventory[ip]
		if ok && d == h.device {
			continue
		}
		if ok {
			slog.Info("Device settings changed, restarting poller", "device", ip)
		}
		h.cancel()
		delete(p.pollers, ip)
	}
	// start added
	for ip, d := range inventory {
		if _, ok := p.pollers[ip]; ok {
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("Context canceled, stopping poller sync")
			return // normal shutdown
		default:
		}
		devCtx, cancel := context.WithCancel(ctx)
		p.pollers[ip] = pollerHandle{device: d, cancel: cancel}
		slog.Info("Starting device poller", "device", ip, "name", d.Name)
		p.pollerWG.Add(1)
		go p.runPoller(devCtx, d)
	}
}

// runPoller polls a single device until ctx is canceled.
func (p *Pool) runPoller(ctx context.Context, dev device.Device) {
	defer p.pollerWG.Done()

	p.metricsMu.Lock()
	p.activePollers.Inc()
	p.metricsMu.Unlock()

	defer func() {
		p.metricsMu.Lock()
		p.activePollers.Dec()
		p.metricsMu.Unlock()
	}()

	w := newPoller(dev, p.cfg, p.dial, p.dispatch)
	w.records = p.records.WithLabelValues(dev.IP)
	w.forwarded = p.forwarded.WithLabelValues(dev.IP)
	w.connects = p.connects.WithLabelValues(dev.IP)
	w.run(ctx)
}
