package device

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pfpintranet/zkteco-listener/internal/fileutils"
)

// Manager loads and watches a JSON inventory file.
type Manager struct {
	devices []Device
	lock    sync.RWMutex
	path    string

	log *slog.Logger
}

// NewManager creates an inventory manager for the file at path.
func NewManager(path string, args ...Options) *Manager {
	opts := newOptions(args...)
	return &Manager{
		path: path,
		log:  opts.logger,
	}
}

// Load reads the inventory file and updates the internal state.
//
// Entries are decoded leniently: numeric fields given as strings still load,
// and invalid entries are skipped instead of failing the whole file.
func (m *Manager) Load() error {
	f, err := os.Open(m.path)
	if err != nil {
		return fmt.Errorf("could not open inventory file: %w", err)
	}
	defer f.Close()

	var raw struct {
		Devices []map[string]any `json:"devices"`
	}
	if err := fileutils.ParseJSON(f, &raw); err != nil {
		return fmt.Errorf("could not parse inventory file %s: %w", m.path, err)
	}

	devices := make([]Device, 0, len(raw.Devices))
	for i, entry := range raw.Devices {
		var d Device
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &d,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return fmt.Errorf("could not create inventory decoder: %v", err)
		}
		if err := dec.Decode(entry); err != nil {
			m.log.Warn("Skipping invalid inventory entry", "index", i, "err", err)
			continue
		}
		if d.IP == "" {
			m.log.Warn("Skipping inventory entry without an IP", "index", i)
			continue
		}
		devices = append(devices, d.normalize())
	}
	devices = Merge(devices)

	m.lock.Lock()
	m.devices = devices
	m.lock.Unlock()

	m.log.Info("Device inventory loaded", "path", m.path, "devices", len(devices))
	return nil
}

// Watch starts watching the inventory file for changes.
//
// It returns two channels: one for inventory changes which result in a
// successful load and another for unrecoverable watcher errors.
func (m *Manager) Watch(ctx context.Context) (changes <-chan struct{}, errors <-chan error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("could not create inventory watcher: %v", err)
	}

	dir, _ := filepath.Split(m.path)
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("could not watch inventory directory %s: %v", dir, err)
	}

	m.log.Info("Watching device inventory", "dir", dir)
	changesCh := make(chan struct{}, 1)
	errorsCh := make(chan error, 1)

	// Initial load of the inventory
	if err := m.Load(); err != nil {
		m.log.Warn("Could not load initial device inventory", "err", err)
	}

	go func() {
		defer close(changesCh)
		defer close(errorsCh)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				m.log.Info("Device inventory watcher stopped")
				return
			case event, ok := <-watcher.Events:
				if !ok {
					errorsCh <- fmt.Errorf("inventory watcher events channel closed unexpectedly")
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				if event.Name != m.path {
					continue
				}

				m.log.Debug("Device inventory changed. Reloading...")
				if err := m.Load(); err != nil {
					m.log.Warn("Could not reload device inventory", "err", err)
					continue
				}

				select {
				case changesCh <- struct{}{}:
				default:
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					errorsCh <- fmt.Errorf("inventory watcher errors channel closed unexpectedly")
					return
				}
				m.log.Warn("Inventory watcher error", "err", err)
			}
		}
	}()

	return changesCh, errorsCh, nil
}

// Devices returns the devices from the last successful load.
func (m *Manager) Devices() []Device {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.devices
}
