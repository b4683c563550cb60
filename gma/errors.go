package gma

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfMemory is returned when a request cannot be satisfied by existing heaps and the
	// allocator is not permitted to grow: by flags, by the allocator count cap, or by the heap budget
	ErrOutOfMemory = errors.New("out of device memory")
	// ErrInvalidArgument is returned for malformed requests. It is raised before any allocator
	// state is touched.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrFeatureNotPresent is returned when no memory type can satisfy the required property flags,
	// or when an operation needs a capability the memory does not have (e.g. mapping device-local memory)
	ErrFeatureNotPresent = errors.New("feature not present")
	// ErrDriver marks errors that came back from the backend device
	ErrDriver = errors.New("driver error")
	// ErrDisposed is returned when an object is used after Dispose or Destroy has begun
	ErrDisposed = errors.New("object has been disposed")
	// ErrRegionNotFound is returned when freeing a region that is not live in the manager it names
	ErrRegionNotFound = errors.New("memory region not found")
)

// kindError files a cause under one of the sentinel errors above. The cause stays in the Unwrap
// chain so backend results can still be recovered with errors.As.
type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string        { return e.cause.Error() }
func (e *kindError) Unwrap() error        { return e.cause }
func (e *kindError) Is(target error) bool { return target == e.kind }

func withKind(err error, kind error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, cause: err}
}

func driverError(err error, format string, args ...any) error {
	return withKind(errors.Wrapf(err, format, args...), ErrDriver)
}
