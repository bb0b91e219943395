package waifu2x

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestErrorIsKind(t *testing.T) {
	tests := []struct {
		kind Kind
		want error
	}{
		{KindInvalidParameter, ErrInvalidParameter},
		{KindDeviceUnavailable, ErrDeviceUnavailable},
		{KindModelLoad, ErrModelLoad},
		{KindDeviceExecution, ErrDeviceExecution},
	}
	for _, tt := range tests {
		err := error(&Error{Kind: tt.kind, Op: "new"})
		if !errors.Is(err, tt.want) {
			t.Errorf("errors.Is(%s, %v) = false", tt.kind, tt.want)
		}
		for _, other := range tests {
			if other.kind != tt.kind && errors.Is(err, other.want) {
				t.Errorf("%s matched %v", tt.kind, other.want)
			}
		}
	}
}

func TestErrorMessage(t *testing.T) {
	err := invalidParam("noise", 7, "must be in %d..%d", -1, 3)
	msg := err.Error()
	for _, want := range []string{"waifu2x", "invalid parameter", "noise=7", "-1..3"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}

	load := &Error{Kind: KindModelLoad, Op: "new", Path: "/m/x.param", Err: os.ErrNotExist}
	if !strings.Contains(load.Error(), "/m/x.param") {
		t.Errorf("Error() = %q, missing path", load.Error())
	}
	if !errors.Is(load, os.ErrNotExist) {
		t.Error("Error does not unwrap to its cause")
	}

	var target *Error
	if !errors.As(error(load), &target) || target.Path != "/m/x.param" {
		t.Error("errors.As did not expose the structured fields")
	}
}
