package monitor_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/pfpintranet/zkteco-listener/internal/device"
	"github.com/pfpintranet/zkteco-listener/internal/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		inventory *mockInventory

		wantIPs []string
		wantErr bool
	}{
		"Empty inventory": {},
		"Single device": {
			inventory: newInventory(dev("10.0.0.1")),
			wantIPs:   []string{"10.0.0.1"},
		},
		"Multiple devices": {
			inventory: newInventory(dev("10.0.0.1"), dev("10.0.0.2"), dev("10.0.0.3")),
			wantIPs:   []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"},
		},
		"Duplicate IPs share one poller": {
			inventory: newInventory(dev("10.0.0.1"), dev("10.0.0.1")),
			wantIPs:   []string{"10.0.0.1"},
		},

		// Inventory watcher errors
		"Exits on inventory watch error": {
			inventory: &mockInventory{
				devices:  []device.Device{dev("10.0.0.1")},
				watchErr: errors.New("watch error"),
			},
			wantErr: true,
		},
		"Exits on inventory change channel early close": {
			inventory: &mockInventory{
				devices:       []device.Device{dev("10.0.0.1")},
				closeReloadCh: true,
			},
			wantErr: true,
		},
		"Exits on inventory error channel early close": {
			inventory: &mockInventory{
				devices:    []device.Device{dev("10.0.0.1")},
				closeErrCh: true,
			},
			wantErr: true,
		},
		"Does not exit on delayed inventory watch error": {
			inventory: &mockInventory{
				devices:         []device.Device{dev("10.0.0.1")},
				delayedWatchErr: errors.New("delayed watch error"),
			},
			wantIPs: []string{"10.0.0.1"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if tc.inventory == nil {
				tc.inventory = newInventory()
			}

			p, err := monitor.New(tc.inventory, &recordingDispatcher{}, fastConfig(), prometheus.NewRegistry(), monitor.WithDialer(newDialer().dial))
			require.NoError(t, err, "Setup: Failed to create the poller pool")
			runErr := run(t.Context(), t, p)

			if tc.wantErr {
				checkPool(t, runErr, true, 3*time.Second)
				return
			}

			waitPollersEqual(t, p, tc.wantIPs...)
			// Ensure no errors are received
			checkPool(t, runErr, false, 0)
		})
	}
}

// Tests the addition and removal of devices from the inventory
// and verifies that the pool updates its pollers accordingly.
func TestRunModifyInventory(t *testing.T) {
	t.Parallel()

	inv := newInventory(dev("10.0.0.1"))
	p, err := monitor.New(inv, &recordingDispatcher{}, fastConfig(), prometheus.NewRegistry(), monitor.WithDialer(newDialer().dial))
	require.NoError(t, err, "Setup: Failed to create the poller pool")
	run(t.Context(), t, p)

	waitPollersEqual(t, p, "10.0.0.1")

	inv.setDevices(t, []device.Device{dev("10.0.0.1"), dev("10.0.0.2")}, 3)
	waitPollersEqual(t, p, "10.0.0.1", "10.0.0.2")

	inv.setDevices(t, nil, 3)
	waitPollersEqual(t, p)
}

func TestRunRestartsChangedPoller(t *testing.T) {
	t.Parallel()

	d := dev("10.0.0.1")
	inv := newInventory(d)
	dialer := newDialer()
	p, err := monitor.New(inv, &recordingDispatcher{}, fastConfig(), prometheus.NewRegistry(), monitor.WithDialer(dialer.dial))
	require.NoError(t, err, "Setup: Failed to create the poller pool")
	run(t.Context(), t, p)

	waitPollersEqual(t, p, "10.0.0.1")
	dials := dialer.dialCount()

	d.Charset = "gbk"
	inv.setDevices(t, []device.Device{d}, 3)

	waitFor(t, 8*time.Second, func() bool { return dialer.dialCount() > dials }, "The changed device was not redialed")
	waitPollersEqual(t, p, "10.0.0.1")
}

func TestRunEarlyContextCancel(t *testing.T) {
	t.Parallel()

	inv := newInventory(dev("10.0.0.1"), dev("10.0.0.2"))
	p, err := monitor.New(inv, &recordingDispatcher{}, fastConfig(), prometheus.NewRegistry(), monitor.WithDialer(newDialer().dial))
	require.NoError(t, err, "Setup: Failed to create the poller pool")

	ctx, cancel := context.WithCancel(t.Context())
	runErr := run(ctx, t, p)

	// Ensure no errors are received before the context is canceled
	checkPool(t, runErr, false, 50*time.Millisecond)

	cancel()

	// Ensure that the pool exited within a reasonable time
	select {
	case err := <-runErr:
		require.ErrorIs(t, err, ctx.Err(), "Expected context error after context cancellation")
	case <-time.After(3 * time.Second):
		require.Fail(t, "Pool did not exit after context cancellation")
	}
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	_, err := monitor.New(newInventory(), &recordingDispatcher{}, monitor.Config{}, registry)
	require.NoError(t, err, "Setup: the first pool should register its metrics")

	_, err = monitor.New(newInventory(), &recordingDispatcher{}, monitor.Config{}, registry)
	require.Error(t, err, "A second pool on the same registry should fail to register")
}

// checkPool is a helper function which waits a specified duration, unless an error signal is received.
func checkPool(t *testing.T, runErr chan error, expectErr bool, duration time.Duration) {
	t.Helper()

	select {
	case err := <-runErr:
		if expectErr {
			require.Error(t, err, "Expected error but got nil")
			return
		}
		// Unexpected early close
		require.Fail(t, "Pool closed unexpectedly", err)
	case <-time.After(duration):
		require.False(t, expectErr, "Pool did not exit with an error within the expected duration")
	}
}

// waitPollersEqual is a helper function which waits until the running pollers match the expected devices,
// including the active poller gauge.
func waitPollersEqual(t *testing.T, p *monitor.Pool, ips ...string) {
	t.Helper()
	delay := 100 * time.Millisecond
	timeout := 8 * time.Second

	start := time.Now()
	for {
		got := p.PollerDevices()

		slices.Sort(got)
		slices.Sort(ips)

		if slices.Equal(ips, got) && len(ips) == int(testutil.ToFloat64(p.ActivePollers())) {
			return
		}
		require.LessOrEqual(t, time.Since(start), timeout, "Pollers did not match within the timeout. Wanted: %v, Got: %v", ips, got)
		time.Sleep(delay)
	}
}

func dev(ip string) device.Device {
	return device.Device{IP: ip, Name: "Device " + ip, Port: 4370}
}

func fastConfig() monitor.Config {
	return monitor.Config{
		PollInterval:   10 * time.Millisecond,
		ReconnectDelay: 10 * time.Millisecond,
		ConnectTimeout: time.Second,
	}
}

type mockInventory struct {
	devices []device.Device

	closeReloadCh   bool
	closeErrCh      bool
	watchErr        error
	delayedWatchErr error

	reloadCh chan struct{}
	errCh    chan error

	mu sync.RWMutex // Mutex to protect access to the devices
}

func newInventory(devices ...device.Device) *mockInventory {
	return &mockInventory{
		devices:  devices,
		reloadCh: make(chan struct{}),
		errCh:    make(chan error),
	}
}

func (m *mockInventory) Watch(ctx context.Context) (<-chan struct{}, <-chan error, error) {
	if m.watchErr != nil {
		return nil, nil, m.watchErr
	}

	if m.reloadCh == nil {
		m.reloadCh = make(chan struct{})
	}

	if m.errCh == nil {
		m.errCh = make(chan error)
	}

	if m.closeReloadCh {
		close(m.reloadCh)
	}
	if m.closeErrCh {
		close(m.errCh)
	} else if m.delayedWatchErr != nil {
		go func() {
			time.Sleep(2 * time.Second)
			m.errCh <- m.delayedWatchErr
		}()
	}
	return m.reloadCh, m.errCh, nil
}

func (m *mockInventory) Devices() []device.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.devices)
}

func (m *mockInventory) setDevices(t *testing.T, devices []device.Device, sendReloadSignal uint) {
	t.Helper()

	m.mu.Lock() // Lock for writing
	defer m.mu.Unlock()
	m.devices = devices

	for range sendReloadSignal {
		require.NotNil(t, m.reloadCh, "Setup: Reload channel should not be nil")
		m.reloadCh <- struct{}{}
	}
}

// run is a helper function which runs the poller pool in a separate goroutine
// and returns a channel to receive any errors that occur during the run.
//
// The channel is closed when the run is complete.
func run(ctx context.Context, t *testing.T, p *monitor.Pool) chan error {
	t.Helper()

	runErr := make(chan error, 1)
	go func() {
		defer close(runErr)
		err := p.Run(ctx)
		if err != nil {
			runErr <- err
		}
	}()

	time.Sleep(50 * time.Millisecond) // Allow some time for the pool to start
	return runErr
}
