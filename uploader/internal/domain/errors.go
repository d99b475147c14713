package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorCode is a stable numeric cause suitable for programmatic branching.
type ErrorCode int

const (
	CodeResourceNotFound ErrorCode = iota + 1
	CodeSignatureFailure
	CodeNetworkError
	CodePayloadEmpty
	CodeOptionsInvalid
	CodePreprocessingError
	CodeTooManyErrors
	CodeCancelled
	CodeUnknown
)

var codeNames = map[ErrorCode]string{
	CodeResourceNotFound:   "resource not found",
	CodeSignatureFailure:   "signature failure",
	CodeNetworkError:       "network error",
	CodePayloadEmpty:       "payload empty",
	CodeOptionsInvalid:     "options invalid",
	CodePreprocessingError: "preprocessing error",
	CodeTooManyErrors:      "too many errors",
	CodeCancelled:          "cancelled",
	CodeUnknown:            "unknown",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Fatal reports whether a failure with this code must not be retried.
func (c ErrorCode) Fatal() bool {
	switch c {
	case CodeNetworkError:
		return false
	}
	return true
}

type ErrorInfo struct {
	Code        ErrorCode `json:"code"`
	Description string    `json:"description"`
}

func NewErrorInfo(code ErrorCode, description string) *ErrorInfo {
	if description == "" {
		description = code.String()
	}
	return &ErrorInfo{Code: code, Description: description}
}

func (e *ErrorInfo) Error() string {
	return e.Code.String() + ": " + e.Description
}

var (
	ErrRequestNotFound = errors.New("upload request not found")
	ErrSignature       = errors.New("signature failure")
	ErrOptionsInvalid  = errors.New("invalid upload options")
	ErrNetwork         = errors.New("network error")
	ErrEmptyPayload    = errors.New("payload is required")
)

// IsNetwork reports whether err comes from an unreachable or failing remote
// rather than from the request itself.
func IsNetwork(err error) bool {
	var ne net.Error
	return errors.Is(err, ErrNetwork) ||
		errors.As(err, &ne) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
