package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type (
	DeviceClient = deviceClient
	DialFunc     = dialFunc
	Journal      = journal
)

var NewJournal = newJournal

// WithDialer overrides how pollers connect to devices.
func WithDialer(dial DialFunc) Options {
	return func(o *options) {
		o.dial = dial
	}
}

// Load exposes journal.load.
func (j *journal) Load(now time.Time) ([]string, error) {
	return j.load(now)
}

// Save exposes journal.save.
func (j *journal) Save(now time.Time, keys map[string]struct{}) error {
	return j.save(now, keys)
}

// PollerDevices returns the IPs of the devices with a running poller.
func (p *Pool) PollerDevices() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ips := make([]string, 0, len(p.pollers))
	for ip := range p.pollers {
		ips = append(ips, ip)
	}
	return ips
}

// ActivePollers exposes the poller gauge.
func (p *Pool) ActivePollers() prometheus.Gauge {
	return p.activePollers
}
