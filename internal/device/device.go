// Package device defines the terminal inventory and the sources it is
// assembled from.
//
// An inventory can come from a watched JSON file, from the attendance
// database, or from both merged together. Sources push a notification
// whenever the device set changes so the monitor can resync its pollers.
package device

import (
	"context"
	"log/slog"
	"time"

	"github.com/pfpintranet/zkteco-listener/internal/zkteco"
)

// Device identifies a single attendance terminal.
type Device struct {
	IP       string `json:"ip" mapstructure:"ip"`
	Name     string `json:"name" mapstructure:"name"`
	Port     int    `json:"port" mapstructure:"port"`
	Password uint32 `json:"password" mapstructure:"password"`
	Charset  string `json:"charset" mapstructure:"charset"`
}

// normalize fills in the defaults for optional fields.
func (d Device) normalize() Device {
	if d.Name == "" {
		d.Name = d.IP
	}
	if d.Port == 0 {
		d.Port = zkteco.DefaultPort
	}
	return d
}

// Source is a device inventory that can be watched for changes.
type Source interface {
	// Devices returns the current inventory.
	Devices() []Device

	// Watch loads the inventory and keeps it current until ctx is done. It
	// returns a channel signalling inventory changes and a channel for
	// unrecoverable watcher errors.
	Watch(ctx context.Context) (changes <-chan struct{}, errors <-chan error, err error)
}

// Merge concatenates inventories in order, dropping later duplicates of the
// same IP.
func Merge(lists ...[]Device) []Device {
	var out []Device
	seen := make(map[string]struct{})
	for _, list := range lists {
		for _, d := range list {
			if _, dup := seen[d.IP]; dup {
				continue
			}
			seen[d.IP] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}

type options struct {
	logger  *slog.Logger
	refresh time.Duration
}

// Options represents an optional function to override source default values.
type Options func(*options)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.logger = l
	}
}

// WithRefreshInterval overrides how often the SQL source re-reads the
// device table.
func WithRefreshInterval(d time.Duration) Options {
	return func(o *options) {
		o.refresh = d
	}
}

func newOptions(args ...Options) options {
	opts := options{
		logger:  slog.Default(),
		refresh: defaultRefreshInterval,
	}
	for _, opt := range args {
		opt(&opts)
	}
	return opts
}
