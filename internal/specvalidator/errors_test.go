package specvalidator

import "testing"

func TestValidationErrorOrNil(t *testing.T) {
	e := &ValidationError{}
	if err := e.OrNil(); err != nil {
		t.Fatalf("expected nil for empty issue list, got %v", err)
	}

	e.Add("version_id is required")
	e.Add("  ") // whitespace-only issues are dropped
	if len(e.Issues) != 1 {
		t.Fatalf("expected whitespace-only issue to be dropped, got %v", e.Issues)
	}

	err := e.OrNil()
	if err == nil {
		t.Fatal("expected a non-nil error once an issue was added")
	}
	if got := err.Error(); got == "" {
		t.Fatal("expected a non-empty error message")
	}
}
