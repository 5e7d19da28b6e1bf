package vm

import (
	"fmt"

	"github.com/rhythmrun/engine/internal/lang/value"
)

// Runtime error codes. These land in the workflow's persisted Throw value or
// in an unhandled-Throw execution failure; they are a wire contract, not an
// implementation detail, so keep them stable.
const (
	ErrTypeError      = "TYPE_ERROR"
	ErrReferenceError = "REFERENCE_ERROR"
	ErrArgumentError  = "ARGUMENT_ERROR"
	ErrInternalError  = "INTERNAL_ERROR"
)

func typeErrorf(format string, args ...any) value.Value {
	return value.Err(ErrTypeError, fmt.Sprintf(format, args...), nil)
}

func referenceError(name string) value.Value {
	return value.Err(ErrReferenceError, "undefined variable: "+name, nil)
}

func argumentErrorf(format string, args ...any) value.Value {
	return value.Err(ErrArgumentError, fmt.Sprintf(format, args...), nil)
}

func internalErrorf(format string, args ...any) value.Value {
	return value.Err(ErrInternalError, fmt.Sprintf(format, args...), nil)
}
