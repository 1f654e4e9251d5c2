//go:build !govips || !cgo

package pipeline

// Engine names the image library behind the default transformer.
const Engine = "stdlib"

// Startup checks cfg. The pure Go engine keeps no global state; its
// parallelism is whatever the worker pool allows.
func Startup(cfg RuntimeConfig) error {
	return cfg.validate()
}

func Shutdown() {}

func newTransformer(limits Limits) (Transformer, error) {
	return stdlibTransformer{limits: limits}, nil
}
