package endpoints

import (
	"testing"
	"time"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{ErrorThreshold: 3, TimeWindow: time.Minute, HalfOpenTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		b.RecordFailure("bedrock-runtime")
		if !b.Allow("bedrock-runtime") {
			t.Fatalf("breaker must stay closed below threshold (failure %d)", i+1)
		}
	}

	b.RecordFailure("bedrock-runtime")
	if b.Allow("bedrock-runtime") {
		t.Error("breaker must open at threshold")
	}
	if b.StateLabel("bedrock-runtime") != "open" {
		t.Errorf("expected open, got %s", b.StateLabel("bedrock-runtime"))
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b := NewBreaker(BreakerConfig{ErrorThreshold: 2})

	b.RecordFailure("secrets")
	b.RecordSuccess("secrets")
	b.RecordFailure("secrets")

	if !b.Allow("secrets") {
		t.Error("success must reset the failure count")
	}
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	b := NewBreaker(BreakerConfig{ErrorThreshold: 1, HalfOpenTimeout: 10 * time.Millisecond})

	b.RecordFailure("bedrock-runtime")
	if b.Allow("bedrock-runtime") {
		t.Fatal("expected open")
	}

	time.Sleep(20 * time.Millisecond)

	if !b.Allow("bedrock-runtime") {
		t.Fatal("half-open must allow one probe")
	}
	if b.Allow("bedrock-runtime") {
		t.Error("second call during probe must be rejected")
	}

	b.RecordSuccess("bedrock-runtime")
	if !b.Allow("bedrock-runtime") {
		t.Error("successful probe must close the breaker")
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{ErrorThreshold: 1, HalfOpenTimeout: 10 * time.Millisecond})

	b.RecordFailure("secrets")
	time.Sleep(20 * time.Millisecond)

	if !b.Allow("secrets") {
		t.Fatal("expected half-open probe")
	}
	b.RecordFailure("secrets")

	if b.Allow("secrets") {
		t.Error("failed probe must reopen the breaker")
	}
}

func TestBreaker_IndependentEndpoints(t *testing.T) {
	b := NewBreaker(BreakerConfig{ErrorThreshold: 1})

	b.RecordFailure("secrets")
	if b.Allow("secrets") {
		t.Error("secrets breaker should be open")
	}
	if !b.Allow("bedrock-runtime") {
		t.Error("bedrock-runtime breaker must be unaffected")
	}
}

func TestBreaker_WindowExpiryResetsCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{ErrorThreshold: 2, TimeWindow: 10 * time.Millisecond})

	b.RecordFailure("secrets")
	time.Sleep(20 * time.Millisecond)
	b.RecordFailure("secrets")

	if !b.Allow("secrets") {
		t.Error("failures in separate windows must not accumulate")
	}
}
