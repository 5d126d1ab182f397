// Package bus fans persisted 1-minute bars out to the durable sinks.
package bus

import (
	"context"
	"log"
	"sync"

	"chartfeed/internal/model"
)

// FanOut broadcasts persisted bars from a single input channel to named
// output channels. If an output channel is full, the bar is dropped for
// that sink so a slow consumer (Redis, metrics) cannot block the write
// path; the cache writer keeps its own copy regardless.
type FanOut struct {
	mu      sync.RWMutex
	outputs []output
	bufSize int

	// OnDrop is called with the sink name when a bar is dropped for it.
	OnDrop func(subscriber string)
}

type output struct {
	name string
	ch   chan model.Bar
}

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{
		bufSize: outputBufferSize,
	}
}

// Subscribe creates and returns a new named output channel. All
// subscriptions must happen before Run starts consuming.
func (f *FanOut) Subscribe(name string) <-chan model.Bar {
	ch := make(chan model.Bar, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, output{name: name, ch: ch})
	f.mu.Unlock()
	return ch
}

// Run reads from the input channel and fans out to all sinks.
// Blocks until ctx is cancelled or input is closed; output channels are
// closed on the way out so sinks can flush and exit.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Bar) {
	defer func() {
		f.mu.RLock()
		for _, out := range f.outputs {
			close(out.ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for _, out := range f.outputs {
				select {
				case out.ch <- bar:
				default:
					if f.OnDrop != nil {
						f.OnDrop(out.name)
					} else {
						log.Printf("[bus] sink %s full, dropping bar %s", out.name, bar.Key())
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat reports fill for one sink channel, for saturation gauges.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, out := range f.outputs {
		stats[i] = ChannelStat{Name: out.name, Len: len(out.ch), Cap: cap(out.ch)}
	}
	return stats
}
