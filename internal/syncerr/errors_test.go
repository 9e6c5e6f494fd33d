package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifySentinels(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{ErrOutOfSequence, KindProtocol},
		{fmt.Errorf("failed to apply part: %w", ErrOutOfSequence), KindProtocol},
		{ErrNoConflictPolicy, KindConflict},
		{ErrMergeFailed, KindConflict},
		{ErrSessionBusy, KindTransient},
		{ErrMissingFilterParameter, KindData},
		{context.DeadlineExceeded, KindTransient},
		{errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		if got := Classify(tt.err).Kind; got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestClassifyWithClassifier(t *testing.T) {
	busy := errors.New("database is locked")
	classifier := func(err error) (Kind, int, bool) {
		if errors.Is(err, busy) {
			return KindTransient, 5, true
		}
		return 0, 0, false
	}

	got := Classify(fmt.Errorf("failed to select: %w", busy), classifier)
	if got.Kind != KindTransient {
		t.Errorf("kind = %s, want transient", got.Kind)
	}
	if got.DataSourceErrorNumber != 5 {
		t.Errorf("number = %d, want 5", got.DataSourceErrorNumber)
	}
	if !errors.Is(got, busy) {
		t.Error("classified error should unwrap to the cause")
	}

	if Classify(nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
}

func TestErrorfKeepsSentinel(t *testing.T) {
	err := Errorf(ErrOutOfSequence, "part %d requested, expected %d", 2, 1)
	if !errors.Is(err, ErrOutOfSequence) {
		t.Fatalf("errors.Is(%v, ErrOutOfSequence) = false", err)
	}
	var se *Error
	if !errors.As(err, &se) || se.Kind != KindProtocol {
		t.Fatalf("expected protocol *Error, got %#v", err)
	}
}

func TestRetryableAndFatal(t *testing.T) {
	if !IsRetryable(New(KindTransient, "apply", errors.New("locked"))) {
		t.Error("transient error should be retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Error("cancellation should not be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
	if !IsFatal(ErrUnknownScope) {
		t.Error("protocol error should be fatal")
	}
	if IsFatal(ErrMergeFailed) {
		t.Error("conflict error should not be fatal for the session")
	}
}

func TestKindRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindInternal, KindProtocol, KindConflict, KindTransient, KindData} {
		if got := ParseKind(k.String()); got != k {
			t.Errorf("ParseKind(%q) = %v, want %v", k.String(), got, k)
		}
	}
}

func TestWithContext(t *testing.T) {
	err := New(KindData, "apply", errors.New("constraint")).WithContext("table", "orders")
	want := "apply: constraint (context: map[table:orders])"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
