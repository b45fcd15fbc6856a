package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := Retryable(errors.New("connection reset"))
	wrapped := fmt.Errorf("analyze item: %w", base)

	if !IsRetryable(wrapped) {
		t.Fatalf("expected wrapped error to stay retryable: %v", wrapped)
	}
	if Class(wrapped) != "retryable" {
		t.Fatalf("expected class retryable, got %s", Class(wrapped))
	}
}

func TestUnclassifiedTreatedAsPermanent(t *testing.T) {
	err := errors.New("something odd")

	if _, ok := KindOf(err); ok {
		t.Fatal("expected unclassified error to report ok=false")
	}
	if !IsPermanent(err) {
		t.Fatal("expected unclassified error to count as permanent")
	}
	if IsRetryable(err) {
		t.Fatal("unclassified error must never be retryable")
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
		ok     bool
	}{
		{200, 0, false},
		{204, 0, false},
		{429, KindRetryable, true},
		{500, KindRetryable, true},
		{502, KindRetryable, true},
		{504, KindRetryable, true},
		{503, KindUnavailable, true},
		{400, KindPermanent, true},
		{401, KindPermanent, true},
		{403, KindPermanent, true},
		{404, KindPermanent, true},
	}

	for _, tc := range cases {
		err := ClassifyStatus("op", tc.status)
		if !tc.ok {
			if err != nil {
				t.Fatalf("status %d: expected nil error, got %v", tc.status, err)
			}
			continue
		}
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		kind, classified := KindOf(err)
		if !classified || kind != tc.kind {
			t.Fatalf("status %d: expected kind %s, got %s", tc.status, tc.kind, kind)
		}
	}
}

func TestClassifyErr(t *testing.T) {
	t.Run("dial failures are unavailable", func(t *testing.T) {
		dialErr := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
		if !IsUnavailable(ClassifyErr("discover", dialErr)) {
			t.Fatal("expected dial error to classify unavailable")
		}
	})

	t.Run("other transport errors are retryable", func(t *testing.T) {
		readErr := &net.OpError{Op: "read", Err: errors.New("connection reset")}
		if !IsRetryable(ClassifyErr("discover", readErr)) {
			t.Fatal("expected read error to classify retryable")
		}
	})

	t.Run("context cancellation passes through", func(t *testing.T) {
		err := ClassifyErr("discover", context.Canceled)
		if _, ok := KindOf(err); ok {
			t.Fatal("expected canceled context to stay unclassified")
		}
		if !errors.Is(err, context.Canceled) {
			t.Fatal("expected canceled context to remain detectable")
		}
	})
}
