package channel

import (
	"errors"
	"fmt"
	"testing"
)

func TestPermanent(t *testing.T) {
	base := errors.New("address rejected")
	err := Permanent(base)

	if !IsPermanent(err) {
		t.Fatal("expected permanent")
	}
	if !errors.Is(err, base) {
		t.Error("wrapped error should stay reachable")
	}
	if err.Error() != "address rejected" {
		t.Errorf("message changed: %q", err.Error())
	}

	wrapped := fmt.Errorf("send email: %w", err)
	if !IsPermanent(wrapped) {
		t.Error("classification should survive wrapping")
	}
	if Permanent(wrapped) != wrapped {
		t.Error("already permanent errors should not be wrapped twice")
	}
}

func TestPermanent_Nil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("nil should stay nil")
	}
	if IsPermanent(nil) {
		t.Error("nil is not permanent")
	}
	if IsPermanent(errors.New("timeout")) {
		t.Error("plain errors are transient")
	}
}
