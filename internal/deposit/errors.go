package deposit

import (
	"errors"
	"fmt"
)

// ErrDepositNotFound is returned by the store when no deposit row matches.
var ErrDepositNotFound = errors.New("deposit not found")

// Kind classifies a lifecycle failure. The HTTP layer maps kinds to statuses.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindAlreadySubmitted
	KindPreconditionFailed
	KindChecksumMismatch
	KindEmpty
	KindSpaceUnavailable
	KindPipelineMisconfigured
	KindApprovalFailed
	KindDownloadInProgress
	KindBadRequest
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindAlreadySubmitted:
		return "already_submitted"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindChecksumMismatch:
		return "checksum_mismatch"
	case KindEmpty:
		return "empty"
	case KindSpaceUnavailable:
		return "space_unavailable"
	case KindPipelineMisconfigured:
		return "pipeline_misconfigured"
	case KindApprovalFailed:
		return "approval_failed"
	case KindDownloadInProgress:
		return "download_in_progress"
	case KindBadRequest:
		return "bad_request"
	default:
		return "internal"
	}
}

// Error is a lifecycle failure. Message is safe to show to the depositing
// client; Err keeps the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

var (
	errAlreadySubmitted = &Error{Kind: KindAlreadySubmitted, Message: "This deposit has already been submitted for processing."}
	errEmpty            = &Error{Kind: KindEmpty, Message: "This deposit contains no files."}
	errFileExists       = &Error{Kind: KindConflict, Message: "File already exists."}
	errFileMissing      = &Error{Kind: KindConflict, Message: "File does not exist."}
)
