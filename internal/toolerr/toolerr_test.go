package toolerr_test

import (
	"errors"
	"testing"

	"github.com/tinyrange-rtg/astctool/internal/toolerr"
)

func TestNewCarriesCodeAndMessage(t *testing.T) {
	err := toolerr.New(toolerr.RuntimeError, toolerr.SevError, "division by zero")
	if err.Code != toolerr.RuntimeError {
		t.Fatalf("Code = %v, want RuntimeError", err.Code)
	}
	if err.Error() == "" {
		t.Fatal("Error() returned empty string")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := toolerr.Wrap(toolerr.LoadFailed, toolerr.SevError, cause, "loading module")
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true")
	}
}

func TestHandlerIsNotified(t *testing.T) {
	var got *toolerr.Error
	toolerr.SetHandler(func(e *toolerr.Error) { got = e })
	defer toolerr.SetHandler(nil)

	toolerr.New(toolerr.NotFound, toolerr.Warning, "missing symbol")
	if got == nil {
		t.Fatal("handler was not invoked")
	}
	if got.Code != toolerr.NotFound {
		t.Fatalf("handler saw Code = %v, want NotFound", got.Code)
	}
}

func TestCodeString(t *testing.T) {
	cases := map[toolerr.Code]string{
		toolerr.InvalidArgument: "InvalidArgument",
		toolerr.StackOverflow:   "StackOverflow",
		toolerr.ChecksumMismatch: "ChecksumMismatch",
	}
	for code, want := range cases {
		if got := code.String(); got != want {
			t.Errorf("Code(%d).String() = %q, want %q", int(code), got, want)
		}
	}
}
