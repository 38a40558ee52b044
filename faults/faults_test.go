package faults

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCapacityError_Shortfall(t *testing.T) {
	err := &CapacityError{Requested: 50000, Available: 30000}
	if err.Shortfall() != 20000 {
		t.Fatalf("shortfall = %d", err.Shortfall())
	}
	if !strings.Contains(err.Error(), "short by 20000 bytes") {
		t.Fatalf("message = %q", err.Error())
	}
	wrapped := fmt.Errorf("allocator: %w", err)
	var ce *CapacityError
	if !errors.As(wrapped, &ce) || ce.Requested != 50000 {
		t.Fatal("errors.As lost the capacity error")
	}
}

func TestTransient(t *testing.T) {
	if Transient("op", nil) != nil {
		t.Fatal("nil should stay nil")
	}
	cause := errors.New("connection refused")
	err := fmt.Errorf("registry: %w", Transient("record", cause))
	if !IsTransient(err) {
		t.Fatal("IsTransient = false")
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause not unwrapped")
	}
	if IsTransient(cause) {
		t.Fatal("plain error reported transient")
	}
}

func TestInvalid(t *testing.T) {
	err := Invalid("bytes must be positive, got %d", -1)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatal("not ErrInvalidArgument")
	}
	if !strings.Contains(err.Error(), "got -1") {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestOwnershipError_Self(t *testing.T) {
	err := &OwnershipError{Asset: "slot-1", Actor: "a", Owner: "a"}
	if !strings.Contains(err.Error(), "already owns") {
		t.Fatalf("message = %q", err.Error())
	}
	if !IsNotFound(fmt.Errorf("x: %w", &NotFoundError{Kind: "bridge", ID: "b"})) {
		t.Fatal("IsNotFound = false")
	}
}
