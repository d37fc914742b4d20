package router

import (
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClassifyTransportErrorsAreDirect(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		direct bool
	}{
		{"unavailable", status.Error(codes.Unavailable, "connection refused"), true},
		{"deadline", status.Error(codes.DeadlineExceeded, "context deadline exceeded"), true},
		{"cancelled", status.Error(codes.Canceled, "context canceled"), true},
		{"app error", status.Error(codes.Internal, "downstream service failed"), false},
		{"unimplemented", status.Error(codes.Unimplemented, "unknown method"), false},
		{"unknown code", status.Error(codes.Unknown, "boom"), false},
		{"non-status", errors.New("raw transport error"), true},
	}

	for _, tc := range cases {
		got := classify(tc.err, "h:80")
		if got.Direct != tc.direct {
			t.Errorf("%s: Direct = %v, want %v", tc.name, got.Direct, tc.direct)
		}
		if got.Err == nil {
			t.Errorf("%s: lost the underlying error", tc.name)
		}
	}
}
