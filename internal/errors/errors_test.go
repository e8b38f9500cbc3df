package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestOpErrorIsMatchesSentinels(t *testing.T) {
	cases := []struct {
		kind     Kind
		sentinel error
	}{
		{KindBusy, ErrBusy},
		{KindIntegrity, ErrIntegrity},
		{KindConfiguration, ErrConfiguration},
		{KindValidation, ErrValidation},
		{KindNoSuitableBackup, ErrNoSuitableBackup},
		{KindTimeout, ErrTimeout},
	}
	for _, tc := range cases {
		err := New(tc.kind, "op", "comp", fmt.Errorf("boom"))
		if !errors.Is(err, tc.sentinel) {
			t.Errorf("kind %s did not match sentinel %v", tc.kind, tc.sentinel)
		}
	}
}

func TestOpErrorUnwrap(t *testing.T) {
	inner := errors.New("disk full")
	err := New(KindComponentBackup, "create_backup", "files", inner)
	if !errors.Is(err, inner) {
		t.Fatal("expected wrapped error to match")
	}
	if err.Error() != "create_backup failed for files: disk full" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestRetryableByKind(t *testing.T) {
	if !New(KindBusy, "op", "", nil).Retryable {
		t.Error("busy should be retryable")
	}
	if New(KindIntegrity, "op", "", nil).Retryable {
		t.Error("integrity should not be retryable")
	}
}

func TestIsCritical(t *testing.T) {
	if !IsCritical(New(KindConfiguration, "init", "", errors.New("no storage"))) {
		t.Error("configuration errors are critical")
	}
	if IsCritical(New(KindNotification, "send", "webhook", errors.New("503"))) {
		t.Error("notification errors are isolated, not critical")
	}
}
