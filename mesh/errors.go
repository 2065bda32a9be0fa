package mesh

import (
	"errors"
	"fmt"

	"github.com/opd-ai/meshcore/adapter"
)

// ErrorKind classifies adapter failures.
type ErrorKind int

const (
	KindBackendUnavailable ErrorKind = iota + 1
	KindInvalidKey
	KindNotStarted
	KindBackendRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindBackendUnavailable:
		return "backend unavailable"
	case KindInvalidKey:
		return "invalid key"
	case KindNotStarted:
		return "not started"
	case KindBackendRejected:
		return "backend rejected"
	default:
		return fmt.Sprintf("error kind %d", int(k))
	}
}

// AdapterError is returned by every Multiplexer operation that fails.
type AdapterError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *AdapterError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Is matches any *AdapterError of the same kind, so the sentinels below can
// be used with errors.Is.
func (e *AdapterError) Is(target error) bool {
	t, ok := target.(*AdapterError)
	return ok && t.Op == "" && t.Kind == e.Kind
}

var (
	ErrBackendUnavailable = &AdapterError{Kind: KindBackendUnavailable}
	ErrInvalidKey         = &AdapterError{Kind: KindInvalidKey}
	ErrNotStarted         = &AdapterError{Kind: KindNotStarted}
	ErrBackendRejected    = &AdapterError{Kind: KindBackendRejected}
)

// ErrAlreadyRunning is returned by Run when the owner task is already up.
var ErrAlreadyRunning = errors.New("multiplexer already running")

func adapterErr(kind ErrorKind, op string, err error) error {
	return &AdapterError{Kind: kind, Op: op, Err: err}
}

// backendErr classifies an error returned by the backend.
func backendErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, adapter.ErrUnavailable):
		return adapterErr(KindBackendUnavailable, op, err)
	case errors.Is(err, adapter.ErrNotCreated):
		return adapterErr(KindNotStarted, op, err)
	default:
		return adapterErr(KindBackendRejected, op, err)
	}
}

// KindOf returns the kind of an *AdapterError in err's chain, or zero.
func KindOf(err error) ErrorKind {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return 0
}
