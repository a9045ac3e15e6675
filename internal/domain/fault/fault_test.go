// ABOUTME: Tests for the result code taxonomy
// ABOUTME: Verifies wrapping, foreign errors and the safety set
package fault

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/ossrs/go-oryx-lib/errors"
)

func TestOf_WrappedCode(t *testing.T) {
	err := errors.Wrapf(errors.Wrapf(Overflow, "enqueue %v bytes", 12), "source")
	if Of(err) != Overflow {
		t.Errorf("expected Overflow, got %v", Of(err))
	}
	if !Is(err, Overflow) || Is(err, Underflow) {
		t.Errorf("Is disagrees with Of for %v", err)
	}
}

func TestOf_NilAndForeign(t *testing.T) {
	if Of(nil) != OK {
		t.Errorf("expected OK for nil")
	}
	if Of(stderrors.New("boom")) != ConfigurationError {
		t.Errorf("expected ConfigurationError for a foreign error")
	}
}

func TestOf_AbandonedWait(t *testing.T) {
	for _, cause := range []error{context.Canceled, context.DeadlineExceeded} {
		err := errors.Wrapf(cause, "wait for slot")
		if Of(err) != Busy {
			t.Errorf("%v: expected Busy, got %v", cause, Of(err))
		}
	}
}

func TestCode_Safety(t *testing.T) {
	for c := Disconnected; c <= Busy; c++ {
		want := c == Emergency || c == Alarm || c == ServoOff
		if c.Safety() != want {
			t.Errorf("%v: Safety() = %v", c, c.Safety())
		}
	}
	if Code(42).String() != "code(42)" {
		t.Errorf("unexpected name %q", Code(42).String())
	}
	if DriverFault.Error() != "driver fault" {
		t.Errorf("unexpected error text %q", DriverFault.Error())
	}
}
