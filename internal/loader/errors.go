package loader

import (
	"errors"
	"fmt"
)

// ErrorCode identifies why a plugin operation failed.
type ErrorCode string

const (
	CodeNone                   ErrorCode = ""
	CodeFileNotFound           ErrorCode = "file_not_found"
	CodeLibraryLoadFailed      ErrorCode = "library_load_failed"
	CodeSymbolNotFound         ErrorCode = "symbol_not_found"
	CodeIncompatibleAPIVersion ErrorCode = "incompatible_api_version"
	CodeInvalidMetadata        ErrorCode = "invalid_metadata"
	CodeAlreadyLoaded          ErrorCode = "already_loaded"
	CodeCreateFunctionFailed   ErrorCode = "create_function_failed"
	CodePluginUnavailable      ErrorCode = "plugin_unavailable"
	CodeNotLoaded              ErrorCode = "not_loaded"
	CodeUnknown                ErrorCode = "unknown_error"
)

var errorMessages = map[ErrorCode]string{
	CodeFileNotFound:           "Plugin file not found",
	CodeLibraryLoadFailed:      "Failed to load plugin library",
	CodeSymbolNotFound:         "Required plugin symbol not found",
	CodeIncompatibleAPIVersion: "Incompatible API version",
	CodeInvalidMetadata:        "Invalid plugin metadata",
	CodeAlreadyLoaded:          "Plugin already loaded",
	CodeCreateFunctionFailed:   "Plugin create function failed",
	CodePluginUnavailable:      "Plugin not available on this system",
	CodeNotLoaded:              "Plugin not loaded",
	CodeUnknown:                "Unknown plugin loader error",
}

// Message returns the default message for a code.
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return string(c)
}

// Error is returned by every failing loader operation.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.Message()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the sentinels below work
// with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrFileNotFound           = &Error{Code: CodeFileNotFound}
	ErrLibraryLoadFailed      = &Error{Code: CodeLibraryLoadFailed}
	ErrSymbolNotFound         = &Error{Code: CodeSymbolNotFound}
	ErrIncompatibleAPIVersion = &Error{Code: CodeIncompatibleAPIVersion}
	ErrInvalidMetadata        = &Error{Code: CodeInvalidMetadata}
	ErrAlreadyLoaded          = &Error{Code: CodeAlreadyLoaded}
	ErrCreateFunctionFailed   = &Error{Code: CodeCreateFunctionFailed}
	ErrPluginUnavailable      = &Error{Code: CodePluginUnavailable}
	ErrNotLoaded              = &Error{Code: CodeNotLoaded}
)

func newError(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of a loader error, or CodeUnknown.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
