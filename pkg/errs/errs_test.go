package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindIs(t *testing.T) {
	err := New(Proto, "bad frame header")
	if !errors.Is(err, Proto) {
		t.Error("errors.Is(err, Proto) = false, want true")
	}
	if errors.Is(err, Closed) {
		t.Error("errors.Is(err, Closed) = true, want false")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("short write")
	err := Wrap(TimedOut, cause, "flush failed")
	if !errors.Is(err, TimedOut) {
		t.Error("errors.Is(err, TimedOut) = false, want true")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(Proto, nil, "unreachable"); err != nil {
		t.Errorf("Wrap(Proto, nil, ...) = %v, want nil", err)
	}
}

func TestWithStatus(t *testing.T) {
	err := New(Proto, "invalid UTF-8").WithStatus(1007)
	if err.Status != 1007 {
		t.Errorf("Status = %d, want 1007", err.Status)
	}
}
