package errors

import (
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"validation", NewValidationError("title", "is required"), KindValidation},
		{"not found", NewNotFoundError("session", "abc"), KindNotFound},
		{"state", NewStateTransitionError("abc", "completed", "send"), KindInvalidStateTransition},
		{"already running", NewAlreadyRunningError("abc"), KindAlreadyRunning},
		{"process", NewProcessError("abc", "spawn", New("exec: not found")), KindProcessFailure},
		{"timeout", NewTimeoutError("abc", time.Second), KindTimeout},
		{"wrapped", fmt.Errorf("send message: %w", NewNotFoundError("session", "x")), KindNotFound},
		{"plain", New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProcessErrorUnwrap(t *testing.T) {
	cause := New("exit status 1")
	err := fmt.Errorf("start: %w", NewProcessError("s1", "spawn", cause))

	if !Is(err, cause) {
		t.Error("expected cause to be reachable through Unwrap")
	}
	var pe *ProcessError
	if !As(err, &pe) {
		t.Fatal("expected As to find *ProcessError")
	}
	if pe.ErrorType != "spawn" {
		t.Errorf("ErrorType = %q, want spawn", pe.ErrorType)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	if got := NewValidationError("", "status is required").Error(); got != "status is required" {
		t.Errorf("Error() = %q", got)
	}
	if got := NewValidationError("workingDir", "is required").Error(); got != "workingDir: is required" {
		t.Errorf("Error() = %q", got)
	}
}
