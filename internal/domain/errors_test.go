package domain

import (
	"errors"
	"testing"
	"time"
)

func TestValidationError_OrNil(t *testing.T) {
	issues := &ValidationError{}
	if err := issues.OrNil(); err != nil {
		t.Fatalf("OrNil()=%v, want nil", err)
	}
	issues.Add("  ")
	issues.Addf("selector %q does not exist", "a.spec.ts")
	err := issues.OrNil()
	if err == nil {
		t.Fatalf("OrNil()=nil, want error")
	}
	if got, want := err.Error(), `validation failed: selector "a.spec.ts" does not exist`; got != want {
		t.Fatalf("Error()=%q, want %q", got, want)
	}
}

func TestAdapterError_Unwrap(t *testing.T) {
	cause := errors.New("exec: not found")
	err := error(&AdapterError{FrameworkID: "pytest", ExitCode: 2, StderrTail: "boom", Err: cause})
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(AdapterError, cause)=false")
	}
	if got, want := err.Error(), "adapter pytest failed with exit code 2: exec: not found: boom"; got != want {
		t.Fatalf("Error()=%q, want %q", got, want)
	}
}

func TestTimeoutError(t *testing.T) {
	var err error = &TimeoutError{After: time.Second}
	var te *TimeoutError
	if !errors.As(err, &te) || err.Error() != "execution timed out" {
		t.Fatalf("TimeoutError=%v, want execution timed out", err)
	}
}
