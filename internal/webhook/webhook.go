// Package webhook delivers attendance events to the n8n intake webhook.
//
// A Dispatcher owns a bounded queue and a small pool of delivery workers.
// Events are posted as JSON; transient failures are retried with backoff.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pfpintranet/zkteco-listener/internal/constants"
	"github.com/prometheus/client_golang/prometheus"
)

// TimeFormat is the timestamp layout the webhook consumer expects.
const TimeFormat = "2006-01-02 15:04:05"

const (
	defaultWorkers   = 3
	defaultQueueSize = 1024
	defaultTimeout   = 5 * time.Second
)

// Event is a single attendance punch to deliver.
type Event struct {
	DeviceIP   string
	DeviceName string
	UserID     string
	Timestamp  time.Time
}

// Config holds the delivery settings.
type Config struct {
	URL     string
	Workers int

	// Timeout bounds each delivery attempt.
	Timeout time.Duration

	// QueueSize bounds the number of events waiting for delivery.
	QueueSize int

	// LocalIP is reported in every payload. Resolved from the host name
	// when empty.
	LocalIP string
}

// payload is the wire format consumed by the n8n workflow.
type payload struct {
	DeviceIP  string `json:"device_ip"`
	LocalIP   string `json:"local_ip"`
	Device    string `json:"device"`
	UserID    string `json:"userid"`
	Timestamp string `json:"timestamp"`
}

// Dispatcher queues attendance events and posts them to the webhook.
type Dispatcher struct {
	cfg     Config
	client  *retryablehttp.Client
	queue   chan Event
	localIP string

	deliveries *prometheus.CounterVec
	duration   prometheus.Histogram
}

// New creates a dispatcher with the provided config and Prometheus registerer.
func New(cfg Config, reg prometheus.Registerer) (*Dispatcher, error) {
	if cfg.URL == "" {
		cfg.URL = constants.DefaultWebhookURL
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	localIP := cfg.LocalIP
	if localIP == "" {
		ip, err := resolveLocalIP()
		if err != nil {
			slog.Warn("Could not resolve the local IP, reporting loopback", "err", err)
			ip = "127.0.0.1"
		}
		localIP = ip
	}

	d := &Dispatcher{
		cfg:     cfg,
		client:  newClient(cfg.Timeout),
		queue:   make(chan Event, cfg.QueueSize),
		localIP: localIP,
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listener_webhook_deliveries_total",
			Help: "Webhook delivery attempts by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "listener_webhook_delivery_seconds",
			Help: "Time taken to deliver an event to the webhook.",
		}),
	}
	queueDepth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "listener_webhook_queue_depth",
		Help: "Events waiting for delivery.",
	}, func() float64 { return float64(len(d.queue)) })

	for _, c := range []prometheus.Collector{d.deliveries, d.duration, queueDepth} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register webhook metrics: %v", err)
		}
	}

	return d, nil
}

// Run starts the delivery workers and blocks until the context is canceled
// and every in-flight delivery has finished.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("Webhook dispatcher started", "url", d.cfg.URL, "workers", d.cfg.Workers)

	var wg sync.WaitGroup
	for range d.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	wg.Wait()

	slog.Info("Webhook dispatcher stopped")
	return ctx.Err()
}

// Enqueue queues an event for delivery. It never blocks: when the queue is
// full the event is dropped and reported, so a slow webhook cannot stall the
// device pollers.
func (d *Dispatcher) Enqueue(ev Event) bool {
	select {
	case d.queue <- ev:
		return true
	default:
		slog.Warn("Webhook queue full, dropping event", "device", ev.DeviceIP, "userid", ev.UserID)
		d.deliveries.WithLabelValues("dropped").Inc()
		return false
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	delivery := uuid.NewString()
	start := time.Now()

	body, err := json.Marshal(payload{
		DeviceIP:  ev.DeviceIP,
		LocalIP:   d.localIP,
		Device:    ev.DeviceName,
		UserID:    ev.UserID,
		Timestamp: ev.Timestamp.Format(TimeFormat),
	})
	if err != nil {
		slog.Error("Could not encode webhook payload", "delivery", delivery, "err", err)
		d.deliveries.WithLabelValues("failed").Inc()
		return
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, body)
	if err != nil {
		slog.Error("Could not build webhook request", "delivery", delivery, "err", err)
		d.deliveries.WithLabelValues("failed").Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		slog.Warn("Webhook delivery failed", "delivery", delivery, "device", ev.DeviceIP, "userid", ev.UserID, "err", err)
		d.deliveries.WithLabelValues("failed").Inc()
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		slog.Warn("Webhook rejected event", "delivery", delivery, "device", ev.DeviceIP, "userid", ev.UserID, "status", resp.StatusCode)
		d.deliveries.WithLabelValues("failed").Inc()
		return
	}

	slog.Debug("Webhook delivered event", "delivery", delivery, "device", ev.DeviceIP, "userid", ev.UserID, "duration", time.Since(start))
	d.deliveries.WithLabelValues("delivered").Inc()
	d.duration.Observe(time.Since(start).Seconds())
}

// newClient builds the retrying HTTP client used for deliveries: 3 attempts
// with waits between 500ms and 2s, retried on network errors and 429/5xx.
func newClient(timeout time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: timeout}
	client.RetryMax = 2
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = newLeveledLogger(slog.Default())
	return client
}

// resolveLocalIP resolves the address the host name points at, which is what
// the webhook consumer expects in the local_ip field.
func resolveLocalIP() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("could not get the host name: %w", err)
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return "", fmt.Errorf("could not resolve host %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("host %s resolves to no addresses", host)
	}
	return addrs[0], nil
}
