package driver

import "fmt"

// Result is the status returned by every Driver call. It implements error, but Success should never be
// used as an error: use Result.Err to convert.
type Result int32

const (
	Success                        Result = 0
	ErrInvalidValue                Result = 1
	ErrOutOfMemory                 Result = 2
	ErrNotInitialized              Result = 3
	ErrDeinitialized               Result = 4
	ErrNoDevice                    Result = 100
	ErrInvalidDevice               Result = 101
	ErrInvalidImage                Result = 200
	ErrInvalidContext              Result = 201
	ErrContextAlreadyCurrent       Result = 202
	ErrPeerAccessUnsupported       Result = 217
	ErrInvalidHandle               Result = 400
	ErrNotFound                    Result = 500
	ErrNotReady                    Result = 600
	ErrLaunchOutOfResources        Result = 701
	ErrHostMemoryAlreadyRegistered Result = 712
	ErrPeerAccessAlreadyEnabled    Result = 704
	ErrPeerAccessNotEnabled        Result = 705
	ErrLaunchFailed                Result = 719
	ErrNotSupported                Result = 801
)

var resultNames = map[Result]string{
	Success:                        "SUCCESS",
	ErrInvalidValue:                "INVALID_VALUE",
	ErrOutOfMemory:                 "OUT_OF_MEMORY",
	ErrNotInitialized:              "NOT_INITIALIZED",
	ErrDeinitialized:               "DEINITIALIZED",
	ErrNoDevice:                    "NO_DEVICE",
	ErrInvalidDevice:               "INVALID_DEVICE",
	ErrInvalidImage:                "INVALID_IMAGE",
	ErrInvalidContext:              "INVALID_CONTEXT",
	ErrContextAlreadyCurrent:       "CONTEXT_ALREADY_CURRENT",
	ErrPeerAccessUnsupported:       "PEER_ACCESS_UNSUPPORTED",
	ErrInvalidHandle:               "INVALID_HANDLE",
	ErrNotFound:                    "NOT_FOUND",
	ErrNotReady:                    "NOT_READY",
	ErrLaunchOutOfResources:        "LAUNCH_OUT_OF_RESOURCES",
	ErrHostMemoryAlreadyRegistered: "HOST_MEMORY_ALREADY_REGISTERED",
	ErrPeerAccessAlreadyEnabled:    "PEER_ACCESS_ALREADY_ENABLED",
	ErrPeerAccessNotEnabled:        "PEER_ACCESS_NOT_ENABLED",
	ErrLaunchFailed:                "LAUNCH_FAILED",
	ErrNotSupported:                "NOT_SUPPORTED",
}

// Name returns the symbolic name of the status, without prefix.
func (r Result) Name() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_%d", int32(r))
}

// Error implements error.
func (r Result) Error() string {
	if r == Success {
		return "GPU_SUCCESS"
	}
	return fmt.Sprintf("GPU_ERROR_%s (%d)", r.Name(), int32(r))
}

// Err returns nil for Success, and the Result itself otherwise.
func (r Result) Err() error {
	if r == Success {
		return nil
	}
	return r
}

// IsUninitialized returns whether the status means the driver (or the queried object) has not been
// initialized yet, or has already been torn down.
func (r Result) IsUninitialized() bool {
	return r == ErrNotInitialized || r == ErrDeinitialized
}
