package chat

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Error taxonomy shared by every room component. Callers match with errors.Is.
var (
	ErrValidation       = errors.New("validation failed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrDecrypt          = errors.New("decrypt failed")
	ErrAppend           = errors.New("append failed")
	ErrStore            = errors.New("store unavailable")
	ErrKeyMissing       = errors.New("room key missing")
	ErrNotFound         = errors.New("not found")
)

var noOpLogger = zap.NewNop()

// OperationError carries a stable "<operation>.<reason>" code, the taxonomy kind and the cause.
type OperationError struct {
	code string
	kind error
	err  error
}

func (e *OperationError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes both the taxonomy kind and the underlying cause.
func (e *OperationError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.kind != nil {
		errs = append(errs, e.kind)
	}
	if e.err != nil {
		errs = append(errs, e.err)
	}
	return errs
}

// Code returns the operation code.
func (e *OperationError) Code() string {
	return e.code
}

// NewOperationError builds an OperationError for the operation and reason.
func NewOperationError(operation, reason string, kind, cause error) error {
	return &OperationError{
		code: fmt.Sprintf("%s.%s", operation, reason),
		kind: kind,
		err:  cause,
	}
}

// LoggerOrNop returns logger, or a no-op logger when nil.
func LoggerOrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return noOpLogger
	}
	return logger
}

// LogFailure writes a structured error record with operation and reason fields.
func LogFailure(logger *zap.Logger, message, operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	LoggerOrNop(logger).Error(message, attrs...)
}
