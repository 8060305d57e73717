package engine

import (
	"errors"
	"fmt"
)

// Code is a non-zero engine status code
type Code int

const (
	CodeOK               Code = 0
	CodeUnknown          Code = 1
	CodeInvalidParam     Code = 2
	CodeUnsupported      Code = 3
	CodeNoMemory         Code = 4
	CodeBadState         Code = 5
	CodeUserCancel       Code = 6
	CodeExpired          Code = 7
	CodeUserPause        Code = 8
	CodeBufferOverflow   Code = 9
	CodeBufferUnderflow  Code = 10
	CodeNoDiskspace      Code = 11
	CodeComponentMissing Code = 12
	CodeFaceNotDetected  Code = 81925
	CodeFeatureMismatch  Code = 81926
	CodeFaceUnqualified  Code = 81927
	CodeNotActivated     Code = 90115
	CodeBadImage         Code = 90124
	CodeTransport        Code = -1 // the engine process could not be reached
)

var codeNames = map[Code]string{
	CodeOK:               "OK",
	CodeUnknown:          "UNKNOWN",
	CodeInvalidParam:     "INVALID_PARAM",
	CodeUnsupported:      "UNSUPPORTED",
	CodeNoMemory:         "NO_MEMORY",
	CodeBadState:         "BAD_STATE",
	CodeUserCancel:       "USER_CANCEL",
	CodeExpired:          "EXPIRED",
	CodeUserPause:        "USER_PAUSE",
	CodeBufferOverflow:   "BUFFER_OVERFLOW",
	CodeBufferUnderflow:  "BUFFER_UNDERFLOW",
	CodeNoDiskspace:      "NO_DISKSPACE",
	CodeComponentMissing: "COMPONENT_NOT_EXIST",
	CodeFaceNotDetected:  "FACE_NOT_DETECTED",
	CodeFeatureMismatch:  "FEATURE_MISMATCH",
	CodeFaceUnqualified:  "FACE_UNQUALIFIED",
	CodeNotActivated:     "NOT_ACTIVATED",
	CodeBadImage:         "BAD_IMAGE",
	CodeTransport:        "TRANSPORT",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// Error is returned by engine implementations for non-zero status codes
type Error struct {
	Op   string
	Code Code
	Err  error // optional underlying cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine %s failed: %s (%d): %v", e.Op, e.Code, int(e.Code), e.Err)
	}
	return fmt.Sprintf("engine %s failed: %s (%d)", e.Op, e.Code, int(e.Code))
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps a status code returned by op. CodeOK yields nil.
func NewError(op string, code Code) error {
	if code == CodeOK {
		return nil
	}
	return &Error{Op: op, Code: code}
}

// CodeOf extracts the engine status code from err, or CodeUnknown for foreign errors
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsFatal reports errors that will not go away by retrying on a later frame
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case CodeNotActivated, CodeExpired, CodeComponentMissing:
		return true
	}
	return false
}
