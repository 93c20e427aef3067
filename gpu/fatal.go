package gpu

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpurt/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FatalKind classifies the errors that terminate the process.
type FatalKind int

const (
	// FatalConfig is a bad configuration tunable, reported at startup before any device work.
	FatalConfig FatalKind = iota
	// FatalDriver is any non-success status returned by a driver call.
	FatalDriver
	// Internal is a violated invariant, e.g. a host pointer given where a device pointer is required.
	Internal
	// Unsupported is a request for an operation that has no implementation, e.g. custom alignment.
	Unsupported
)

// String implements fmt.Stringer.
func (k FatalKind) String() string {
	switch k {
	case FatalConfig:
		return "configuration error"
	case FatalDriver:
		return "driver error"
	case Internal:
		return "internal error"
	case Unsupported:
		return "unsupported operation"
	}
	return fmt.Sprintf("FatalKind(%d)", int(k))
}

// FatalError describes why the runtime must stop.
type FatalError struct {
	Kind FatalKind

	// Op is the failing driver call, for FatalDriver errors.
	Op string

	// Result returned by the driver, for FatalDriver errors.
	Result driver.Result

	// Err holds the message and the stack trace of where the error was raised.
	Err error
}

// Error implements error.
func (e *FatalError) Error() string {
	if e.Kind == FatalDriver {
		return fmt.Sprintf("gpurt %s: %s returned %s: %v", e.Kind, e.Op, e.Result, e.Err)
	}
	return fmt.Sprintf("gpurt %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *FatalError) Unwrap() error { return e.Err }

// FatalHandler is called with every fatal error. It must not return: if it does, the runtime panics
// with the error.
type FatalHandler func(err *FatalError)

var (
	muFatal      sync.RWMutex
	fatalHandler FatalHandler = DefaultFatalHandler
)

// DefaultFatalHandler logs the error with its stack trace and exits the process.
func DefaultFatalHandler(err *FatalError) {
	klog.Fatalf("%s, stack:%+v", err, err.Err)
}

// PanicOnFatal is a FatalHandler that panics with the *FatalError, so it can be caught with
// CatchFatal (or exceptions.TryCatch[*gpu.FatalError]). Used by tests and by tools that must not exit.
func PanicOnFatal(err *FatalError) {
	panic(err)
}

// CatchFatal runs fn and returns the *FatalError it raised, or nil. It only works if the installed
// FatalHandler returns or panics, e.g. PanicOnFatal; other panics are re-thrown.
func CatchFatal(fn func()) *FatalError {
	return exceptions.TryCatch[*FatalError](fn)
}

// SetFatalHandler changes the process-wide fatal error handler, and returns the previous one.
// A nil handler restores DefaultFatalHandler.
func SetFatalHandler(handler FatalHandler) (previous FatalHandler) {
	muFatal.Lock()
	defer muFatal.Unlock()
	if handler == nil {
		handler = DefaultFatalHandler
	}
	previous = fatalHandler
	fatalHandler = handler
	return
}

// fatal reports the error to the fatal handler, and never returns.
func fatal(err *FatalError) {
	muFatal.RLock()
	handler := fatalHandler
	muFatal.RUnlock()
	handler(err)
	panic(err)
}

// fatalf raises a fatal error of the given kind.
func fatalf(kind FatalKind, format string, args ...any) {
	fatal(&FatalError{Kind: kind, Err: errors.Errorf(format, args...)})
}

// check raises a FatalDriver error if r is not driver.Success. op names the driver call, with its
// arguments formatted in.
func check(r driver.Result, op string, args ...any) {
	if r == driver.Success {
		return
	}
	if len(args) > 0 {
		op = fmt.Sprintf(op, args...)
	}
	fatal(&FatalError{Kind: FatalDriver, Op: op, Result: r, Err: errors.WithStack(r)})
}

// assertf raises an Internal error if cond is false.
func assertf(cond bool, format string, args ...any) {
	if !cond {
		fatalf(Internal, "assertion failed: "+format, args...)
	}
}
