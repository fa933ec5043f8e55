// Package engineerr holds the typed error kinds shared by every storage
// engine package (spec §7). Errors are never swallowed: a component either
// returns one of these wrapped in an *Error, or propagates the error it got
// from a lower layer unchanged.
package engineerr

import "fmt"

// Kind enumerates the typed failures the storage engine can surface.
type Kind uint8

const (
	InvalidParameters Kind = iota + 1
	InvalidAccessPosition
	ContainerInvalid
	FileOSIOError
	TableInvalid
	TableInUse
	TableInconsistency
	FieldNameInvalid
	FieldNameDuplicated
	FieldTypeInvalid
	InvalidUnicodeChar
	GeneralControlError
)

func (k Kind) String() string {
	switch k {
	case InvalidParameters:
		return "INVALID_PARAMETERS"
	case InvalidAccessPosition:
		return "INVALID_ACCESS_POSITION"
	case ContainerInvalid:
		return "CONTAINER_INVALID"
	case FileOSIOError:
		return "FILE_OS_IO_ERROR"
	case TableInvalid:
		return "TABLE_INVALID"
	case TableInUse:
		return "TABLE_IN_USE"
	case TableInconsistency:
		return "TABLE_INCONSISTENCY"
	case FieldNameInvalid:
		return "FIELD_NAME_INVALID"
	case FieldNameDuplicated:
		return "FIELD_NAME_DUPLICATED"
	case FieldTypeInvalid:
		return "FIELD_TYPE_INVALID"
	case InvalidUnicodeChar:
		return "INVALID_UNICODE_CHAR"
	case GeneralControlError:
		return "GENERAL_CONTROL_ERROR"
	default:
		return "UNKNOWN_ERROR_KIND"
	}
}

// Error is a typed failure. It wraps an optional underlying cause (e.g. an
// *os.PathError for FileOSIOError) so errors.Is/errors.As still work.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets callers match on kind by way of a sentinel comparison:
// errors.Is(err, &Error{Kind: k}) ignores Message/Cause and compares only
// Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Of constructs a bare sentinel for use with errors.Is, e.g.
// errors.Is(err, engineerr.Of(engineerr.TableInUse)).
func Of(kind Kind) *Error { return &Error{Kind: kind} }
