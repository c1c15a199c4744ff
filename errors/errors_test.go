package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code Code
	}{
		{"validation", NewValidation("both input and command set"), CodeValidation},
		{"not found", NewNotFound("run", "run-1"), CodeNotFound},
		{"conflict", NewConflict("thread busy"), CodeConflict},
		{"engine", NewEngineExecution("run-1", errors.New("boom")), CodeEngineExecution},
		{"transient", NewTransientLog("append", errors.New("io")), CodeTransientLog},
		{"nil", nil, ""},
		{"plain", errors.New("plain"), ""},
	}

	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.code {
			t.Errorf("%s: expected code %q, got %q", tc.name, tc.code, got)
		}
	}
}

func TestCodeOfWrapped(t *testing.T) {
	err := fmt.Errorf("creating run: %w", NewValidation("neither input nor command set"))
	if !IsValidation(err) {
		t.Error("expected wrapped error to match IsValidation")
	}
	if CodeOf(err) != CodeValidation {
		t.Errorf("expected VALIDATION_ERROR, got %q", CodeOf(err))
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewEngineExecution("run-9", cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}

	tl := NewTransientLog("read", cause)
	if !errors.Is(tl, cause) {
		t.Error("expected transient log error to unwrap to the cause")
	}
}

func TestNotFoundMessage(t *testing.T) {
	err := NewNotFound("thread", "t-123")
	if err.Error() != "thread not found: t-123" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}
