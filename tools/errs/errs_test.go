package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeOfWrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", ErrConflict.WrapMsg("dup", "id", "m1"))
	if CodeOf(err) != CodeConflict {
		t.Fatalf("code = %d", CodeOf(err))
	}
	if CodeOf(context.DeadlineExceeded) != CodeDeadlineExceeded {
		t.Fatalf("context deadline not mapped")
	}
	if CodeOf(fmt.Errorf("plain")) != CodeInternal {
		t.Fatalf("plain error not internal")
	}
}

func TestRetryable(t *testing.T) {
	for _, e := range []*CodeError{ErrUnavailable, ErrDeadlineExceeded, ErrResourceExhausted} {
		if !IsRetryable(e.WrapMsg("x")) {
			t.Fatalf("%v not retryable", e)
		}
	}
	if IsRetryable(ErrInvalidArgument.WrapMsg("x")) {
		t.Fatalf("invalid argument retryable")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		ErrUnauthenticated.WrapMsg("x"):    http.StatusUnauthorized,
		ErrResourceExhausted.WrapMsg("x"):  http.StatusTooManyRequests,
		ErrFailedPrecondition.WrapMsg("x"): http.StatusPreconditionFailed,
		fmt.Errorf("boom"):                 http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := HTTPStatus(err); got != want {
			t.Fatalf("%v: %d want %d", err, got, want)
		}
	}
}

func TestStatusRoundTripKeepsCode(t *testing.T) {
	err := FromStatus(ToStatus(ErrNotFound.WrapMsg("seq", "conv", "c1")))
	if CodeOf(err) != CodeNotFound {
		t.Fatalf("code after grpc round trip = %d", CodeOf(err))
	}
}

func TestPanicKeepsCause(t *testing.T) {
	cause := errors.New("nil map write")
	err := ErrPanic(cause)
	if CodeOf(err) != CodeInternal || !errors.Is(err, cause) {
		t.Fatalf("panic error = %v", err)
	}
	if ErrPanic(nil) != nil {
		t.Fatalf("nil recover produced error")
	}
	if CodeOf(ErrPanic("boom")) != CodeInternal {
		t.Fatalf("string panic not internal")
	}
}
