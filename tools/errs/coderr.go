package errs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// 错误码：每一种错误类别一个码，跨进程(gRPC / 帧)传输时保持不变
const (
	CodeOK                 = 0
	CodeInvalidArgument    = 1001
	CodeUnauthenticated    = 1002
	CodePermissionDenied   = 1003
	CodeNotFound           = 1004
	CodeConflict           = 1005
	CodeFailedPrecondition = 1006
	CodeResourceExhausted  = 1007
	CodeDeadlineExceeded   = 1008
	CodeUnavailable        = 1009
	CodeInternal           = 1010
)

var (
	ErrInvalidArgument    = NewCodeError(CodeInvalidArgument, "InvalidArgument")
	ErrUnauthenticated    = NewCodeError(CodeUnauthenticated, "Unauthenticated")
	ErrPermissionDenied   = NewCodeError(CodePermissionDenied, "PermissionDenied")
	ErrNotFound           = NewCodeError(CodeNotFound, "NotFound")
	ErrConflict           = NewCodeError(CodeConflict, "Conflict")
	ErrFailedPrecondition = NewCodeError(CodeFailedPrecondition, "FailedPrecondition")
	ErrResourceExhausted  = NewCodeError(CodeResourceExhausted, "ResourceExhausted")
	ErrDeadlineExceeded   = NewCodeError(CodeDeadlineExceeded, "DeadlineExceeded")
	ErrUnavailable        = NewCodeError(CodeUnavailable, "Unavailable")
	ErrInternal           = NewCodeError(CodeInternal, "Internal")
)

var codeNames = map[int]*CodeError{
	CodeInvalidArgument:    ErrInvalidArgument,
	CodeUnauthenticated:    ErrUnauthenticated,
	CodePermissionDenied:   ErrPermissionDenied,
	CodeNotFound:           ErrNotFound,
	CodeConflict:           ErrConflict,
	CodeFailedPrecondition: ErrFailedPrecondition,
	CodeResourceExhausted:  ErrResourceExhausted,
	CodeDeadlineExceeded:   ErrDeadlineExceeded,
	CodeUnavailable:        ErrUnavailable,
	CodeInternal:           ErrInternal,
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{
		Code: code,
		Msg:  msg,
	}
}

// FromCode 按码还原一个错误（对端传回的 code/detail）
func FromCode(code int, detail string) *CodeError {
	base, ok := codeNames[code]
	if !ok {
		base = ErrInternal
	}
	return base.WithDetail(detail)
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" && detail != "" {
		d = e.Detail + ", " + detail
	} else if detail == "" {
		d = e.Detail
	}
	return &CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: d,
	}
}

func (e *CodeError) Wrap() error {
	return pkgerrors.WithStack(e.clone())
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: e.Detail,
	}
}

// WrapMsg 复制错误码并追加 detail，kv 以 k=v 形式拼接
func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	retErr := e.clone()
	if msg != "" || len(kv) > 0 {
		detail := toString(msg, kv)
		if retErr.Detail == "" {
			retErr.Detail = detail
		} else {
			retErr.Detail += ", " + detail
		}
	}
	return pkgerrors.WithStack(retErr)
}

// Is 让 errors.Is(err, errs.ErrNotFound) 只比较错误码
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if !errors.As(target, &t) {
		return false
	}
	if e == nil || t == nil {
		return e == t
	}
	return e.Code == t.Code
}

const initialCapacity = 3

func (e *CodeError) Error() string {
	v := make([]string, 0, initialCapacity)
	v = append(v, strconv.Itoa(e.Code), e.Msg)

	if e.Detail != "" {
		v = append(v, e.Detail)
	}

	return strings.Join(v, " ")
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithMessage(err, toString(msg, kv))
}

// Convert 把任意错误归一成 CodeError；context 错误映射为 DeadlineExceeded
func Convert(err error) *CodeError {
	if err == nil {
		return nil
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrDeadlineExceeded.WithDetail(err.Error())
	}
	return ErrInternal.WithDetail(err.Error())
}

func CodeOf(err error) int {
	if err == nil {
		return CodeOK
	}
	return Convert(err).Code
}

// IsRetryable 默认分类器：瞬时下游故障、超时、背压
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeUnavailable, CodeDeadlineExceeded, CodeResourceExhausted:
		return true
	}
	return false
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprint(kv[i]))
		sb.WriteByte('=')
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprint(kv[i+1]))
		} else {
			sb.WriteString("MISSING")
		}
	}
	return sb.String()
}
