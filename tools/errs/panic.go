package errs

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// ErrPanic recover 到的值转成 Internal；原值是 error 时保留在链上
func ErrPanic(r any) error {
	if r == nil {
		return nil
	}
	ce := ErrInternal.WithDetail(fmt.Sprintf("panic: %v", r))
	if cause, ok := r.(error); ok {
		return pkgerrors.WithStack(&panicError{CodeError: ce, cause: cause})
	}
	return pkgerrors.WithStack(ce)
}

type panicError struct {
	*CodeError
	cause error
}

func (p *panicError) Unwrap() []error { return []error{p.CodeError, p.cause} }
