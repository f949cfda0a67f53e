package ciris

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison via errors.Is(). Each one in the
// taxonomy groups belongs to exactly one kind, and the Is* helpers below
// group them by kind; the state/misc group matches no Is* helper.
var (
	// Transient
	ErrTimeout          = errors.New("operation timeout")
	ErrConnectionFailed = errors.New("connection failed")
	ErrBusy             = errors.New("resource busy")

	// Permission/Auth
	ErrPermissionDenied = errors.New("permission denied")
	ErrForbidden        = errors.New("forbidden")

	// NotFound
	ErrTaskNotFound    = errors.New("task not found")
	ErrThoughtNotFound = errors.New("thought not found")
	ErrNodeNotFound    = errors.New("graph node not found")

	// Validation
	ErrInvalidParams = errors.New("invalid parameters")

	// NoProvider
	ErrNoProvider = errors.New("no provider available for capability")

	// Fatal
	ErrChainBroken       = errors.New("audit chain integrity violation")
	ErrStorageCorruption = errors.New("storage corruption detected")

	// SecurityViolation
	ErrSignatureInvalid = errors.New("signature verification failed")
	ErrVarianceExceeded = errors.New("identity variance exceeds allowed threshold")

	// State / misc
	ErrAlreadyStarted  = errors.New("already started")
	ErrNotInitialized  = errors.New("not initialized")
	ErrMaxRetries      = errors.New("maximum retries exceeded")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrDepthExceeded   = errors.New("thought depth exceeds maximum")
	ErrContextCanceled = errors.New("context canceled")
)

// ErrorKind classifies a failure for retry and propagation decisions;
// it names a kind of error, not a Go type.
type ErrorKind string

const (
	KindTransient          ErrorKind = "transient"
	KindPermission         ErrorKind = "permission"
	KindNotFound           ErrorKind = "not_found"
	KindValidation         ErrorKind = "validation"
	KindNoProvider         ErrorKind = "no_provider"
	KindFatal              ErrorKind = "fatal"
	KindSecurityViolation  ErrorKind = "security_violation"
)

// FrameworkError provides structured, wrappable error context: the
// operation that failed, its taxonomy kind, the entity id involved (if
// any), and the underlying cause.
type FrameworkError struct {
	Op      string
	Kind    ErrorKind
	ID      string
	Message string
	Err     error
}

func (e *FrameworkError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *FrameworkError) Unwrap() error {
	return e.Err
}

// NewFrameworkError creates a new FrameworkError of the given kind.
func NewFrameworkError(op string, kind ErrorKind, err error) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, Err: err}
}

// IsTransient reports whether err should be retried by the Bus.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrBusy) ||
		errorKindIs(err, KindTransient)
}

// IsPermission reports a non-retryable auth/permission failure.
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrForbidden) ||
		errorKindIs(err, KindPermission)
}

// IsNotFound reports an absent-entity failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrThoughtNotFound) ||
		errors.Is(err, ErrNodeNotFound) ||
		errorKindIs(err, KindNotFound)
}

// IsValidation reports an ill-typed-parameters failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidParams) || errorKindIs(err, KindValidation)
}

// IsNoProvider reports that the registry could not satisfy a capability.
func IsNoProvider(err error) bool {
	return errors.Is(err, ErrNoProvider) || errorKindIs(err, KindNoProvider)
}

// IsFatal reports an integrity violation that must trigger shutdown.
func IsFatal(err error) bool {
	return errors.Is(err, ErrChainBroken) ||
		errors.Is(err, ErrStorageCorruption) ||
		errorKindIs(err, KindFatal)
}

// IsSecurityViolation reports a signature or variance-guard failure.
func IsSecurityViolation(err error) bool {
	return errors.Is(err, ErrSignatureInvalid) ||
		errors.Is(err, ErrVarianceExceeded) ||
		errorKindIs(err, KindSecurityViolation)
}

func errorKindIs(err error, kind ErrorKind) bool {
	var fe *FrameworkError
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
