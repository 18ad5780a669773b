package mps

import "fmt"

// ErrCode mirrors the small, closed set of result codes the C
// binding layer (out of scope here, spec.md §1) surfaces to clients.
// Go callers see these wrapped in an error built by NewError, and
// package code that needs to distinguish "expected, recoverable"
// failures (spec.md §7.1) from fatal contract violations recovers the
// code with CodeOf.
type ErrCode int

const (
	// ErrNone is not itself returned; it exists so the zero value of
	// ErrCode is not mistaken for a real error code.
	ErrNone ErrCode = iota
	ErrFail
	ErrResource
	ErrMemory
	ErrLimit
	ErrUnimplemented
	ErrIO
	ErrCommitLimit
	ErrParam
)

func (c ErrCode) String() string {
	switch c {
	case ErrNone:
		return "OK"
	case ErrFail:
		return "FAIL"
	case ErrResource:
		return "RESOURCE"
	case ErrMemory:
		return "MEMORY"
	case ErrLimit:
		return "LIMIT"
	case ErrUnimplemented:
		return "UNIMPL"
	case ErrIO:
		return "IO"
	case ErrCommitLimit:
		return "COMMIT_LIMIT"
	case ErrParam:
		return "PARAM"
	default:
		return fmt.Sprintf("ErrCode(%d)", int(c))
	}
}

// CodedError pairs an ErrCode with a human-readable message so callers
// across package boundaries can recover the code with errors.As while
// still getting a normal error message from Error().
type CodedError struct {
	Code ErrCode
	Msg  string
}

func (e *CodedError) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// NewError constructs a CodedError, formatting Msg like fmt.Sprintf.
func NewError(code ErrCode, format string, args ...interface{}) error {
	return &CodedError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the ErrCode from err if it (or something it wraps)
// is a *CodedError, and ErrFail otherwise.
func CodeOf(err error) ErrCode {
	var ce *CodedError
	if asCodedError(err, &ce) {
		return ce.Code
	}
	return ErrFail
}

// asCodedError is a tiny local errors.As to avoid importing the
// standard errors package just for this one call site; it also
// matches wrapped errors produced by github.com/pkg/errors, which
// implements the Unwrap/Cause contract.
func asCodedError(err error, target **CodedError) bool {
	for err != nil {
		if ce, ok := err.(*CodedError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
