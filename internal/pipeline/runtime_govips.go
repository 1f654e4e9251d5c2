//go:build govips && cgo

package pipeline

import (
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

const Engine = "libvips"

var (
	startupOnce sync.Once
	shutdownMu  sync.Mutex
	started     bool
)

// Startup initializes libvips with one thread per worker and the operation
// cache disabled, so no decoded or resized pixels outlive their request.
func Startup(cfg RuntimeConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	startupOnce.Do(func() {
		vips.Startup(&vips.Config{
			ConcurrencyLevel: cfg.Concurrency,
			MaxCacheFiles:    0,
			MaxCacheMem:      0,
			MaxCacheSize:     0,
		})

		shutdownMu.Lock()
		started = true
		shutdownMu.Unlock()
	})
	return nil
}

func Shutdown() {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

func newTransformer(limits Limits) (Transformer, error) {
	return govipsTransformer{limits: limits}, nil
}
