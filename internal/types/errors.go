package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for crmrules operations.
var (
	// ErrIndexOutOfRange indicates a group, condition, policy or range index
	// that does not address an existing row.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrNoOperators indicates the row's data type has no operators
	// (unknown or unresolved type).
	ErrNoOperators = errors.New("no operators available")

	// ErrInvalidOperator indicates an operator outside the catalog for the
	// row's data type.
	ErrInvalidOperator = errors.New("invalid operator for field type")

	// ErrValueNotAllowed indicates a picklist value outside the resolved set.
	ErrValueNotAllowed = errors.New("value not in allowed values")

	// ErrNotRangeMode indicates a from/to pair set on a row that is not in
	// range mode.
	ErrNotRangeMode = errors.New("condition is not in range mode")

	// ErrRangeMode indicates a scalar value set on a row in range mode.
	ErrRangeMode = errors.New("condition is in range mode")

	// ErrOperatorNotSet indicates a value set before an operator was chosen.
	ErrOperatorNotSet = errors.New("operator not set")

	// ErrFieldNotFound indicates the field catalog has no such field.
	ErrFieldNotFound = errors.New("field not found")

	// ErrMalformedRecord indicates a persisted blob that cannot be decoded.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrUnsupportedVersion indicates a persisted blob with an unknown version.
	ErrUnsupportedVersion = errors.New("unsupported record version")

	// ErrTooManyRows indicates a collection exceeding its Max* limit.
	ErrTooManyRows = errors.New("too many rows")

	// ErrNoMatchingRange indicates a sale amount outside every active bracket.
	ErrNoMatchingRange = errors.New("no commission range matches amount")

	// ErrPolicyInactive indicates a quote requested from an inactive policy.
	ErrPolicyInactive = errors.New("commission policy is inactive")

	// ErrPolicyTypeMismatch indicates a field set on a policy or range whose
	// type does not use it (an amount on a percentage policy).
	ErrPolicyTypeMismatch = errors.New("field does not apply to policy type")
)

// ValidationError is a local, recoverable problem with edit-session state.
// Path locates the row ("Criteria 2, Condition 1"); it is empty for
// collection-level problems.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationErrors aggregates every violation found in one validation pass.
// A nil or empty value means the state is valid.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	return strings.Join(v.Messages(), "; ")
}

// Messages returns the human-readable form of each error.
func (v ValidationErrors) Messages() []string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return msgs
}

// Err returns v as an error, or nil when there are no violations.
// Avoids the typed-nil-in-interface trap at call sites.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// Add appends a violation.
func (v *ValidationErrors) Add(path, format string, args ...any) {
	*v = append(*v, &ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ResolutionError reports a failed field-type, enum-value or record lookup.
// The affected row stays unresolved; the user retries by reselecting.
type ResolutionError struct {
	Object string
	Field  string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("resolve %s: %v", e.Object, e.Err)
	}
	return fmt.Sprintf("resolve %s.%s: %v", e.Object, e.Field, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// PersistenceError reports a failed load or save against the store.
// Error() passes the store's message through verbatim for display.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }
