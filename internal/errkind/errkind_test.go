package errkind

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		k    Kind
		want string
	}{
		{ClientError, "ClientError"},
		{UpstreamTransient, "UpstreamTransient"},
		{UpstreamExhausted, "UpstreamExhausted"},
		{Malformed, "Malformed"},
		{PolicyReject, "PolicyReject"},
		{Kind(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.k.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.k, got, tt.want)
		}
	}
}

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("connection refused")

	withTarget := New(UpstreamTransient, "example.com:443", cause)
	if withTarget.Error() != "UpstreamTransient(example.com:443): connection refused" {
		t.Errorf("got %q", withTarget.Error())
	}

	noTarget := Client(cause)
	if noTarget.Error() != "ClientError: connection refused" {
		t.Errorf("got %q", noTarget.Error())
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := Transient("h:1", cause)
	if !errors.Is(e, cause) {
		t.Error("want errors.Is to see through Unwrap to the cause")
	}
}

func TestIs(t *testing.T) {
	e := Malform(errors.New("bad header"))
	if !Is(e, Malformed) {
		t.Error("want Is(e, Malformed) true")
	}
	if Is(e, ClientError) {
		t.Error("want Is(e, ClientError) false")
	}
	if Is(errors.New("plain error"), Malformed) {
		t.Error("want Is to return false for a non-*Error")
	}

	wrapped := fmt.Errorf("context: %w", e)
	if !Is(wrapped, Malformed) {
		t.Error("want Is to see through fmt.Errorf wrapping via errors.As")
	}
}

func TestConstructors(t *testing.T) {
	if got := Exhausted("h:1"); got.Kind != UpstreamExhausted || got.Target != "h:1" {
		t.Errorf("got %+v", got)
	}
	if got := PolicyRejected(errors.New("x")); got.Kind != PolicyReject {
		t.Errorf("got %+v", got)
	}
}
