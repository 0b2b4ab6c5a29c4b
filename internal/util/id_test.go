package util

import (
	"testing"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

func TestNewEventIDIsMonotonic(t *testing.T) {
	prev := NewEventID()
	for i := 0; i < 1000; i++ {
		next := NewEventID()
		if _, err := ulid.ParseStrict(next); err != nil {
			t.Fatalf("NewEventID() = %q is not a ULID: %v", next, err)
		}
		if next <= prev {
			t.Fatalf("NewEventID() not increasing: %q after %q", next, prev)
		}
		prev = next
	}
}

func TestNewOrderID(t *testing.T) {
	a, b := NewOrderID(), NewOrderID()
	if _, err := uuid.Parse(a); err != nil {
		t.Fatalf("NewOrderID() = %q is not a UUID: %v", a, err)
	}
	if a == b {
		t.Fatalf("NewOrderID() returned duplicate %q", a)
	}
}
