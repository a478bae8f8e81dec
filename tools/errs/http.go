package errs

import "net/http"

var httpStatus = map[int]int{
	CodeOK:                 http.StatusOK,
	CodeInvalidArgument:    http.StatusBadRequest,
	CodeUnauthenticated:    http.StatusUnauthorized,
	CodePermissionDenied:   http.StatusForbidden,
	CodeNotFound:           http.StatusNotFound,
	CodeConflict:           http.StatusConflict,
	CodeFailedPrecondition: http.StatusPreconditionFailed,
	CodeResourceExhausted:  http.StatusTooManyRequests,
	CodeDeadlineExceeded:   http.StatusGatewayTimeout,
	CodeUnavailable:        http.StatusServiceUnavailable,
	CodeInternal:           http.StatusInternalServerError,
}

// HTTPStatus 运维/查询接口用的状态码映射，未知码按 500
func HTTPStatus(err error) int {
	if st, ok := httpStatus[CodeOf(err)]; ok {
		return st
	}
	return http.StatusInternalServerError
}
