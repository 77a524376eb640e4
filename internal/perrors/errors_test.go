package perrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeOf_Wrapped(t *testing.T) {
	base := NotFound("session missing", nil)
	wrapped := fmt.Errorf("lookup s1: %w", base)

	if got := CodeOf(wrapped); got != CodeNotFound {
		t.Errorf("CodeOf(wrapped) = %q, want %q", got, CodeNotFound)
	}
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Errorf("CodeOf(plain) = %q, want %q", got, CodeInternal)
	}
	if got := CodeOf(nil); got != CodeInternal {
		t.Errorf("CodeOf(nil) = %q, want %q", got, CodeInternal)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Runtime("turn failed", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the cause")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{Transient("socket reset", nil), true},
		{Timeout("approval expired", nil), true},
		{Denied("deny list", nil), false},
		{OOM("exit 137", nil), false},
		{errors.New("plain"), false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Denied("", nil), http.StatusForbidden},
		{Unauthorized("", nil), http.StatusUnauthorized},
		{NotFound("", nil), http.StatusNotFound},
		{Conflict("", nil), http.StatusConflict},
		{Timeout("", nil), http.StatusGatewayTimeout},
		{Protocol("", nil), http.StatusBadRequest},
		{Sandbox("", nil), http.StatusServiceUnavailable},
		{Runtime("", nil), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestErrorString(t *testing.T) {
	err := Conflict("stream already active", errors.New("session s1"))
	want := "[CONFLICT] stream already active: session s1"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := Denied("deny list hit", nil)
	if bare.Error() != "[DENIED] deny list hit" {
		t.Errorf("Error() = %q", bare.Error())
	}
}
