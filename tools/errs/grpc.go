package errs

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var toGRPC = map[int]codes.Code{
	CodeInvalidArgument:    codes.InvalidArgument,
	CodeUnauthenticated:    codes.Unauthenticated,
	CodePermissionDenied:   codes.PermissionDenied,
	CodeNotFound:           codes.NotFound,
	CodeConflict:           codes.Aborted,
	CodeFailedPrecondition: codes.FailedPrecondition,
	CodeResourceExhausted:  codes.ResourceExhausted,
	CodeDeadlineExceeded:   codes.DeadlineExceeded,
	CodeUnavailable:        codes.Unavailable,
	CodeInternal:           codes.Internal,
}

// ToStatus 服务端出口：CodeError -> grpc status
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	ce := Convert(err)
	c, ok := toGRPC[ce.Code]
	if !ok {
		c = codes.Internal
	}
	return status.Error(c, ce.Detail)
}

// FromStatus 客户端入口：grpc status -> CodeError
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for code, gc := range toGRPC {
		if gc == st.Code() {
			return FromCode(code, st.Message())
		}
	}
	if st.Code() == codes.Canceled {
		return ErrDeadlineExceeded.WithDetail(st.Message())
	}
	return ErrInternal.WithDetail(st.Message())
}
