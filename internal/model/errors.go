package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Validation codes.
const (
	CodeMissingRequired     = "MISSING_REQUIRED"
	CodePayloadTooLarge     = "PAYLOAD_TOO_LARGE"
	CodeInvalidTrust        = "INVALID_TRUST"
	CodeInvalidSalience     = "INVALID_SALIENCE"
	CodeInvalidOutcome      = "INVALID_OUTCOME"
	CodeInvalidSource       = "INVALID_SOURCE"
	CodeInvalidScopeMode    = "INVALID_SCOPE_MODE"
	CodeInvalidCellType     = "INVALID_CELL_TYPE"
	CodeInvalidState        = "INVALID_STATE"
	CodeInvalidRelation     = "INVALID_RELATION"
	CodeInvalidPermission   = "INVALID_PERMISSION"
	CodeInvalidTTL          = "INVALID_TTL"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeCellNotFound        = "CELL_NOT_FOUND"
	CodeSceneNotFound       = "SCENE_NOT_FOUND"
	CodeContextHashRequired = "CONTEXT_HASH_REQUIRED"
)

// ValidationError is a recoverable, user-presentable input failure.
// It is returned as a value and is distinct from storage errors.
type ValidationError struct {
	Code    string
	Message string
}

// Invalid builds a ValidationError.
func Invalid(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return e.Code + ": " + e.Message
}

// MarshalJSON renders the structured {error, code, message} form.
func (e *ValidationError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Error   bool   `json:"error"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}{true, e.Code, e.Message})
}

// AsValidation reports whether err is (or wraps) a ValidationError.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// IsValidation reports whether err carries the given validation code.
// An empty code matches any validation error.
func IsValidation(err error, code string) bool {
	ve, ok := AsValidation(err)
	if !ok {
		return false
	}
	return code == "" || ve.Code == code
}
