package metafs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Common filesystem errors
var (
	ErrNotExist      = errors.New("file does not exist")
	ErrExist         = errors.New("file already exists")
	ErrPermission    = errors.New("permission denied")
	ErrClosed        = errors.New("resource already closed")
	ErrNotDir        = errors.New("not a directory")
	ErrIsDir         = errors.New("is a directory")
	ErrNotEmpty      = errors.New("directory not empty")
	ErrInvalidName   = errors.New("invalid name")
	ErrNotSupported  = errors.New("operation not supported")
	ErrNotAllowed    = errors.New("operation not allowed")
	ErrInvalidSize   = errors.New("invalid file size")
	ErrInvalidFormat = errors.New("invalid content format")
)

// Routing and resource errors
var (
	// ErrMalformedPath is returned when a namespaced path does not follow
	// the selector:subpath grammar.
	ErrMalformedPath = errors.New("malformed namespaced path")
	// ErrRegistrationDenied is returned when a resource may not be registered.
	// The error never says which rule rejected the URI.
	ErrRegistrationDenied = errors.New("resource registration denied")
	// ErrSelectorConflict is returned when a selector is already bound to a
	// different URI.
	ErrSelectorConflict = errors.New("selector already registered")
	// ErrHiddenAccessDenied is returned when a hidden path is addressed
	// directly while hidden entries are not allowed.
	ErrHiddenAccessDenied = errors.New("access to hidden entry denied")
	// ErrBackendUnavailable is returned when a backend cannot be reached or
	// refuses the connection credentials.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrUnsupportedScheme is returned when no driver is registered for a URI scheme.
	ErrUnsupportedScheme = errors.New("unsupported resource scheme")
)

// PathError records an error and the operation, selector and path that caused it
type PathError struct {
	Op       string
	Selector string
	Path     string
	Err      error
}

// Error implements the error interface
func (e *PathError) Error() string {
	if e.Selector == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s%c%s: %v", e.Op, e.Selector, Delimiter, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *PathError) Unwrap() error {
	return e.Err
}

// NewPathError wraps err with the operation and backend-relative path.
// Drivers use it so the dispatcher only has to add the selector.
func NewPathError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &PathError{Op: op, Path: path, Err: err}
}

// annotate attaches selector and subpath context to err. An existing
// PathError from a driver is reused so the driver's op name survives.
func annotate(op string, p NamespacedPath, err error) error {
	if err == nil {
		return nil
	}
	var crossErr *CrossResourceMoveError
	if errors.As(err, &crossErr) {
		return err
	}
	var pe *PathError
	if errors.As(err, &pe) && pe.Selector == "" {
		return &PathError{Op: pe.Op, Selector: p.Selector, Path: pe.Path, Err: pe.Err}
	}
	if errors.As(err, &pe) {
		return err
	}
	return &PathError{Op: op, Selector: p.Selector, Path: p.Clean(), Err: err}
}

// CrossResourceMoveError reports a failed copy-then-delete between two
// resources. DeleteAttempted tells whether removal of the source started;
// when false the source is untouched.
type CrossResourceMoveError struct {
	Src             NamespacedPath
	Dst             NamespacedPath
	Copied          []string
	DeleteAttempted bool
	Err             error
}

// Error implements the error interface
func (e *CrossResourceMoveError) Error() string {
	phase := "copy"
	if e.DeleteAttempted {
		phase = "delete source"
	}
	return fmt.Sprintf("move %s -> %s failed during %s (%d entries copied): %v",
		e.Src, e.Dst, phase, len(e.Copied), e.Err)
}

// Unwrap returns the underlying error
func (e *CrossResourceMoveError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err comes from the network layer: a
// refused or timed-out dial, a DNS failure or a dropped connection.
// Context cancellation and deadlines are not transport errors.
func IsTransportError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Unavailable marks err as a backend connection or authentication failure.
// Drivers call it from their error mappers.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}

// IsNotExist reports whether an error indicates that a file, directory or
// resource does not exist
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// IsExist reports whether an error indicates that a file or directory
// already exists
func IsExist(err error) bool {
	return errors.Is(err, ErrExist)
}

// IsBackendUnavailable reports whether a backend could not be reached
func IsBackendUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// IsPermission reports whether an error indicates that permission is denied
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermission) || errors.Is(err, ErrReadOnly)
}

// Kind classifies errors for hosting layers.
type Kind int

const (
	KindUnknown Kind = iota
	KindMalformedPath
	KindNotFound
	KindRegistrationDenied
	KindConflict
	KindHiddenAccessDenied
	KindBackendUnavailable
	KindCrossResourceMove
	KindNotADirectory
	KindExists
	KindPermission
	KindInvalid
	KindNotSupported
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindMalformedPath:      "malformed_path",
	KindNotFound:           "not_found",
	KindRegistrationDenied: "registration_denied",
	KindConflict:           "conflict",
	KindHiddenAccessDenied: "hidden_access_denied",
	KindBackendUnavailable: "backend_unavailable",
	KindCrossResourceMove:  "cross_resource_move",
	KindNotADirectory:      "not_a_directory",
	KindExists:             "exists",
	KindPermission:         "permission",
	KindInvalid:            "invalid",
	KindNotSupported:       "not_supported",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return strings.ToLower(fmt.Sprintf("kind(%d)", int(k)))
}

// KindOf returns the taxonomy kind of err. A cross-resource move failure
// takes precedence over the cause it wraps.
func KindOf(err error) Kind {
	var crossErr *CrossResourceMoveError
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &crossErr):
		return KindCrossResourceMove
	case errors.Is(err, ErrMalformedPath):
		return KindMalformedPath
	case errors.Is(err, ErrHiddenAccessDenied):
		return KindHiddenAccessDenied
	case errors.Is(err, ErrSelectorConflict):
		return KindConflict
	case errors.Is(err, ErrRegistrationDenied), errors.Is(err, ErrUnsupportedScheme):
		return KindRegistrationDenied
	case errors.Is(err, ErrNotExist):
		return KindNotFound
	case errors.Is(err, ErrBackendUnavailable):
		return KindBackendUnavailable
	case errors.Is(err, ErrNotDir):
		return KindNotADirectory
	case errors.Is(err, ErrExist), errors.Is(err, ErrNotEmpty):
		return KindExists
	case errors.Is(err, ErrPermission), errors.Is(err, ErrReadOnly), errors.Is(err, ErrNotAllowed):
		return KindPermission
	case errors.Is(err, ErrInvalidName), errors.Is(err, ErrInvalidFormat), errors.Is(err, ErrIsDir), errors.Is(err, ErrInvalidSize):
		return KindInvalid
	case errors.Is(err, ErrNotSupported):
		return KindNotSupported
	default:
		return KindUnknown
	}
}
