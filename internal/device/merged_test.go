package device_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pfpintranet/zkteco-listener/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergedDevices(t *testing.T) {
	t.Parallel()

	a := newStaticSource(device.Device{IP: "10.0.0.1", Name: "File"})
	b := newStaticSource(device.Device{IP: "10.0.0.1", Name: "Database"}, device.Device{IP: "10.0.0.2"})

	m := device.NewMerged(a, b)
	got := m.Devices()
	require.Len(t, got, 2, "unexpected merged inventory size")
	assert.Equal(t, "File", got[0].Name, "the first source should win on duplicate IPs")
	assert.Equal(t, "10.0.0.2", got[1].IP)
}

func TestMergedWatch(t *testing.T) {
	t.Parallel()

	a := newStaticSource(device.Device{IP: "10.0.0.1"})
	b := newStaticSource(device.Device{IP: "10.0.0.2"})
	m := device.NewMerged(a, b)

	changes, errs, err := m.Watch(context.Background())
	require.NoError(t, err, "Watch should start")

	a.changes <- struct{}{}
	select {
	case <-changes:
	case <-time.After(8 * time.Second):
		t.Fatal("a child change notification was not forwarded")
	}

	b.errs <- errors.New("watch failed")
	select {
	case err := <-errs:
		require.ErrorContains(t, err, "watch failed", "unexpected forwarded error")
	case <-time.After(8 * time.Second):
		t.Fatal("a child watcher error was not forwarded")
	}

	// Closing every child closes the merged channels.
	close(a.changes)
	close(a.errs)
	close(b.changes)
	close(b.errs)
	select {
	case _, ok := <-changes:
		require.False(t, ok, "the merged change channel should close with its children")
	case <-time.After(8 * time.Second):
		t.Fatal("the merged channels did not close")
	}
}

func TestMergedWatchChildFailure(t *testing.T) {
	t.Parallel()

	a := newStaticSource(device.Device{IP: "10.0.0.1"})
	b := newStaticSource()
	b.watchErr = errors.New("no such directory")

	m := device.NewMerged(a, b)
	_, _, err := m.Watch(context.Background())
	require.Error(t, err, "Watch should fail when a child watcher cannot start")
}

type staticSource struct {
	devices  []device.Device
	changes  chan struct{}
	errs     chan error
	watchErr error
}

func newStaticSource(devices ...device.Device) *staticSource {
	return &staticSource{
		devices: devices,
		changes: make(chan struct{}, 1),
		errs:    make(chan error, 1),
	}
}

func (s *staticSource) Devices() []device.Device {
	return s.devices
}

func (s *staticSource) Watch(ctx context.Context) (<-chan struct{}, <-chan error, error) {
	if s.watchErr != nil {
		return nil, nil, s.watchErr
	}
	return s.changes, s.errs, nil
}
