package device

import (
	"context"
	"sync"
)

// Merged combines several sources into one inventory. Earlier sources win
// when the same IP appears in more than one of them.
type Merged struct {
	sources []Source
}

// NewMerged creates a source merging the given sources in order.
func NewMerged(sources ...Source) *Merged {
	return &Merged{sources: sources}
}

// Devices returns the merged inventory of all sources.
func (m *Merged) Devices() []Device {
	lists := make([][]Device, 0, len(m.sources))
	for _, s := range m.sources {
		lists = append(lists, s.Devices())
	}
	return Merge(lists...)
}

// Watch starts every underlying watcher and fans their notifications into a
// single pair of channels. The returned channels close once every underlying
// watcher has stopped.
func (m *Merged) Watch(ctx context.Context) (changes <-chan struct{}, errors <-chan error, err error) {
	changesCh := make(chan struct{}, 1)
	errorsCh := make(chan error, 1)

	var wg sync.WaitGroup
	for _, s := range m.sources {
		c, e, err := s.Watch(ctx)
		if err != nil {
			return nil, nil, err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for c != nil || e != nil {
				select {
				case _, ok := <-c:
					if !ok {
						c = nil
						continue
					}
					select {
					case changesCh <- struct{}{}:
					default:
					}
				case err, ok := <-e:
					if !ok {
						e = nil
						continue
					}
					select {
					case errorsCh <- err:
					default:
					}
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(changesCh)
		close(errorsCh)
	}()

	return changesCh, errorsCh, nil
}
