package domain

import (
	"errors"
	"fmt"
)

// Kind is the closed set of ways a transform can fail.
type Kind int

const (
	// KindIO covers read errors, encode errors and failures of the worker
	// running the transform.
	KindIO Kind = iota
	KindNotFound
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindDecode:
		return "decode_failure"
	default:
		return "io_failure"
	}
}

type Failure struct {
	Kind Kind
	Op   string
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Op, f.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func NotFound(op string, err error) error {
	return &Failure{Kind: KindNotFound, Op: op, Err: err}
}

func DecodeFailure(op string, err error) error {
	return &Failure{Kind: KindDecode, Op: op, Err: err}
}

func IOFailure(op string, err error) error {
	return &Failure{Kind: KindIO, Op: op, Err: err}
}

// KindOf classifies err. Errors that carry no Failure are treated as KindIO.
func KindOf(err error) Kind {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	return KindIO
}
