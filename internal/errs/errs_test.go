package errs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"tagged", New(KindAuthentication, "gateway: execute", errors.New("boom")), KindAuthentication},
		{"wrapped tagged", fmt.Errorf("outer: %w", New(KindStorage, "store", errors.New("x"))), KindStorage},
		{"fs not exist", fmt.Errorf("open: %w", fs.ErrNotExist), KindFileNotFound},
		{"deadline", context.DeadlineExceeded, KindNetwork},
		{"keyword rate", errors.New("429 Too Many Requests"), KindRateLimit},
		{"keyword auth", errors.New("request Unauthorized"), KindAuthentication},
		{"keyword network", errors.New("dial tcp: connection refused"), KindNetwork},
		{"keyword api", errors.New("graphql returned errors"), KindAPI},
		{"unknown", errors.New("something odd"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", New(KindNetwork, "", errors.New("reset")), true},
		{"rate limit", New(KindRateLimit, "", errors.New("slow down")), true},
		{"api transient", &Error{Kind: KindAPI, Err: errors.New("HTTP 500"), Transient: true}, true},
		{"api permanent", New(KindAPI, "", errors.New("HTTP 400")), false},
		{"auth", New(KindAuthentication, "", errors.New("HTTP 401")), false},
		{"plain deadline", context.DeadlineExceeded, true},
		{"plain other", errors.New("bad input"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFatal(t *testing.T) {
	if !Fatal(New(KindStorage, "store: update", errors.New("disk full"))) {
		t.Error("storage error should be fatal")
	}
	if !Fatal(New(KindAuthentication, "", errors.New("HTTP 401"))) {
		t.Error("auth error should be fatal")
	}
	if Fatal(New(KindParse, "", errors.New("bad html"))) {
		t.Error("parse error should not be fatal")
	}
}

func TestErrorMessage(t *testing.T) {
	e := New(KindAPI, "gateway: create article", errors.New("HTTP 500: oops"))
	if got := e.Error(); got != "gateway: create article: HTTP 500: oops" {
		t.Errorf("Error() = %q", got)
	}
	bare := New(KindAPI, "", errors.New("plain"))
	if got := bare.Error(); got != "plain" {
		t.Errorf("Error() = %q, want %q", got, "plain")
	}
}

func TestRetryAfter(t *testing.T) {
	e := &Error{Kind: KindRateLimit, Err: errors.New("429"), RetryAfter: 7 * time.Second}
	if got := RetryAfter(fmt.Errorf("wrap: %w", e)); got != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", got)
	}
	if got := RetryAfter(errors.New("x")); got != 0 {
		t.Errorf("RetryAfter = %v, want 0", got)
	}
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute, []Kind{KindNetwork})
	for i := 0; i < 2; i++ {
		if err := b.RecordFailure(KindNetwork); err != nil {
			t.Fatalf("failure %d tripped early: %v", i+1, err)
		}
	}
	err := b.RecordFailure(KindNetwork)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("third failure = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_IgnoresUnwatchedKinds(t *testing.T) {
	b := NewBreaker(1, time.Minute, []Kind{KindNetwork})
	if err := b.RecordFailure(KindParse); err != nil {
		t.Errorf("unwatched kind tripped: %v", err)
	}
}

func TestBreaker_WindowExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(2, time.Minute, []Kind{KindAPI})
	b.now = func() time.Time { return now }

	if err := b.RecordFailure(KindAPI); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if err := b.RecordFailure(KindAPI); err != nil {
		t.Errorf("failure outside window should not trip: %v", err)
	}
	if got := b.Failures(KindAPI); got != 1 {
		t.Errorf("Failures = %d, want 1", got)
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b := NewBreaker(2, time.Minute, []Kind{KindNetwork})
	_ = b.RecordFailure(KindNetwork)
	b.RecordSuccess()
	if err := b.RecordFailure(KindNetwork); err != nil {
		t.Errorf("failure after reset tripped: %v", err)
	}
}

func TestBreaker_NilAndDisabled(t *testing.T) {
	var b *Breaker
	if err := b.RecordFailure(KindNetwork); err != nil {
		t.Errorf("nil breaker tripped: %v", err)
	}
	b.RecordSuccess()

	off := NewBreaker(0, time.Minute, []Kind{KindNetwork})
	for i := 0; i < 5; i++ {
		if err := off.RecordFailure(KindNetwork); err != nil {
			t.Fatalf("disabled breaker tripped: %v", err)
		}
	}
}
