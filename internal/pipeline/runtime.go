package pipeline

import "fmt"

// RuntimeConfig sizes the image runtime for the worker pool that drives it.
type RuntimeConfig struct {
	Concurrency int
}

func (c RuntimeConfig) validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("runtime concurrency must be at least 1, got %d", c.Concurrency)
	}
	return nil
}
