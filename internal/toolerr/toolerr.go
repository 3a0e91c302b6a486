// Package toolerr defines the error taxonomy shared by every component of the
// toolchain (parser, emitter, VM, loader) along with a process-wide error
// callback, per spec §7.
package toolerr

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// Code is one of the fixed error categories from the specification's taxonomy.
type Code int

const (
	// General
	InvalidArgument Code = iota
	OutOfMemory
	FileNotFound
	PermissionDenied
	OperationFailed

	// ASTC-scoped
	InvalidFormat
	ParseFailed
	CompileFailed
	ExecutionFailed
	UnsupportedVersion
	Truncated

	// VM-scoped
	InitFailed
	InvalidBytecode
	StackOverflow
	StackUnderflow
	InvalidInstruction
	RuntimeError
	LimitReached

	// Module-scoped
	NotFound
	LoadFailed
	ChecksumMismatch
	SymbolNotFound
	VersionMismatch
	ApiMismatch

	// System-scoped
	ResourceExhausted
	PlatformUnsupported
)

func (c Code) String() string {
	switch c {
	case InvalidArgument:
		return "InvalidArgument"
	case OutOfMemory:
		return "OutOfMemory"
	case FileNotFound:
		return "FileNotFound"
	case PermissionDenied:
		return "PermissionDenied"
	case OperationFailed:
		return "OperationFailed"
	case InvalidFormat:
		return "InvalidFormat"
	case ParseFailed:
		return "ParseFailed"
	case CompileFailed:
		return "CompileFailed"
	case ExecutionFailed:
		return "ExecutionFailed"
	case UnsupportedVersion:
		return "UnsupportedVersion"
	case Truncated:
		return "Truncated"
	case InitFailed:
		return "InitFailed"
	case InvalidBytecode:
		return "InvalidBytecode"
	case StackOverflow:
		return "StackOverflow"
	case StackUnderflow:
		return "StackUnderflow"
	case InvalidInstruction:
		return "InvalidInstruction"
	case RuntimeError:
		return "RuntimeError"
	case LimitReached:
		return "LimitReached"
	case NotFound:
		return "NotFound"
	case LoadFailed:
		return "LoadFailed"
	case ChecksumMismatch:
		return "ChecksumMismatch"
	case SymbolNotFound:
		return "SymbolNotFound"
	case VersionMismatch:
		return "VersionMismatch"
	case ApiMismatch:
		return "ApiMismatch"
	case ResourceExhausted:
		return "ResourceExhausted"
	case PlatformUnsupported:
		return "PlatformUnsupported"
	default:
		return "Unknown"
	}
}

// Severity classifies how serious an Error is, for diagnostics consumers.
type Severity int

const (
	Info Severity = iota
	Warning
	SevError
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case SevError:
		return "error"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across package boundaries. The
// stack captured by pkg/errors stands in for the "origin (file/line/function)"
// that spec §7 asks every error to carry.
type Error struct {
	Code     Code
	Severity Severity
	Message  string
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap lets errors.Is/errors.As see through to the underlying cause, and to
// the pkg/errors stack frame recorded by New.
func (e *Error) Unwrap() error { return e.cause }

// New builds an Error, capturing a stack trace via pkg/errors so the origin
// survives even though the call site doesn't pass file/line explicitly.
func New(code Code, severity Severity, message string) *Error {
	e := &Error{Code: code, Severity: severity, Message: message}
	e.cause = errors.WithStack(fmt.Errorf("%s", message))
	notify(e)
	return e
}

// Newf is New with Printf-style formatting.
func Newf(code Code, severity Severity, format string, args ...interface{}) *Error {
	return New(code, severity, fmt.Sprintf(format, args...))
}

// Wrap attaches a Code/Severity to an existing error. errors.WithStack always
// records a fresh stack at this call; any stack cause already carries stays
// reachable through Unwrap.
func Wrap(code Code, severity Severity, cause error, message string) *Error {
	e := &Error{Code: code, Severity: severity, Message: message, cause: errors.WithStack(cause)}
	notify(e)
	return e
}

// StackTrace renders the captured call stack, for diagnostic output.
func (e *Error) StackTrace() string {
	type stackTracer interface {
		StackTrace() errors.StackTrace
	}
	if st, ok := e.cause.(stackTracer); ok {
		return fmt.Sprintf("%+v", st.StackTrace())
	}
	return ""
}

var (
	handlerMu sync.Mutex
	handler   func(*Error)
)

// SetHandler installs a process-wide callback invoked whenever New or Wrap
// produces an Error. Passing nil clears it.
func SetHandler(fn func(*Error)) {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	handler = fn
}

func notify(e *Error) {
	handlerMu.Lock()
	fn := handler
	handlerMu.Unlock()
	if fn != nil {
		fn(e)
	}
}
