package device

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const defaultRefreshInterval = 5 * time.Minute

// Lister reads the device inventory from an external store.
type Lister interface {
	Devices(ctx context.Context) ([]Device, error)
}

// SQL keeps the inventory current from the attendance database.
type SQL struct {
	lister  Lister
	refresh time.Duration

	devices []Device
	lock    sync.RWMutex

	log *slog.Logger
}

// NewSQL creates an inventory source backed by lister.
func NewSQL(lister Lister, args ...Options) *SQL {
	opts := newOptions(args...)
	return &SQL{
		lister:  lister,
		refresh: opts.refresh,
		log:     opts.logger,
	}
}

// Refresh reloads the inventory from the store.
func (s *SQL) Refresh(ctx context.Context) error {
	devices, err := s.lister.Devices(ctx)
	if err != nil {
		return fmt.Errorf("could not list devices: %w", err)
	}
	for i := range devices {
		devices[i] = devices[i].normalize()
	}
	devices = Merge(devices)

	s.lock.Lock()
	s.devices = devices
	s.lock.Unlock()

	s.log.Debug("Device inventory refreshed from the database", "devices", len(devices))
	return nil
}

// Watch refreshes the inventory on a fixed interval, signalling whenever the
// device set changes. Refresh failures keep the previous inventory.
func (s *SQL) Watch(ctx context.Context) (changes <-chan struct{}, errors <-chan error, err error) {
	changesCh := make(chan struct{}, 1)
	errorsCh := make(chan error, 1)

	// Initial load of the inventory
	if err := s.Refresh(ctx); err != nil {
		s.log.Warn("Could not load initial device inventory from the database", "err", err)
	}

	go func() {
		defer close(changesCh)
		defer close(errorsCh)

		ticker := time.NewTicker(s.refresh)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.log.Info("Database inventory watcher stopped")
				return
			case <-ticker.C:
				before := s.Devices()
				if err := s.Refresh(ctx); err != nil {
					s.log.Warn("Could not refresh device inventory from the database", "err", err)
					continue
				}
				if slices.Equal(before, s.Devices()) {
					continue
				}

				select {
				case changesCh <- struct{}{}:
				default:
				}
			}
		}
	}()

	return changesCh, errorsCh, nil
}

// Devices returns the devices from the last successful refresh.
func (s *SQL) Devices() []Device {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.devices
}
