package limiter

import (
	"testing"
	"time"
)

func TestMessageBurstThenReject(t *testing.T) {
	l := New(Config{
		MessagesPerSec: 100, MessageBurst: 200,
		BytesPerSec: 1 << 20, ByteBurst: 2 << 20,
		LoginPerMin: 5, Lockout: 5 * time.Minute,
	})
	now := time.Now()
	accepted := 0
	for i := 0; i < 250; i++ {
		if l.allowMessageAt(now, 10) {
			accepted++
		}
	}
	if accepted != 200 {
		t.Fatalf("accepted = %d, want burst of 200", accepted)
	}
	// One refill interval later exactly one more token exists.
	later := now.Add(10 * time.Millisecond)
	if !l.allowMessageAt(later, 10) {
		t.Fatalf("request after refill interval should pass")
	}
	if l.allowMessageAt(later, 10) {
		t.Fatalf("second request within the same interval should fail")
	}
}

func TestByteBudgetRejectsWithoutConsumingMessageToken(t *testing.T) {
	l := New(Config{
		MessagesPerSec: 1, MessageBurst: 1,
		BytesPerSec: 100, ByteBurst: 100,
		LoginPerMin: 5, Lockout: time.Minute,
	})
	now := time.Now()
	if l.allowMessageAt(now, 500) {
		t.Fatalf("oversized payload should be rejected")
	}
	// The message token must survive the failed byte reservation.
	if !l.allowMessageAt(now, 50) {
		t.Fatalf("message token was consumed by rejected request")
	}
}

func TestLoginLockout(t *testing.T) {
	l := New(Config{
		MessagesPerSec: 1, MessageBurst: 1,
		BytesPerSec: 1, ByteBurst: 1,
		LoginPerMin: 5, Lockout: 5 * time.Minute,
	})
	now := time.Now()
	for i := 0; i < 4; i++ {
		if l.recordLoginFailureAt(now.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("locked out after %d attempts", i+1)
		}
	}
	if !l.recordLoginFailureAt(now.Add(4 * time.Second)) {
		t.Fatalf("fifth attempt within a minute should lock out")
	}
	if !l.lockedOutAt(now.Add(10 * time.Second)) {
		t.Fatalf("should be locked out")
	}
	if l.lockedOutAt(now.Add(4*time.Second + 5*time.Minute + time.Second)) {
		t.Fatalf("lockout should expire")
	}
}

func TestLoginWindowSlides(t *testing.T) {
	l := New(Config{
		MessagesPerSec: 1, MessageBurst: 1,
		BytesPerSec: 1, ByteBurst: 1,
		LoginPerMin: 5, Lockout: 5 * time.Minute,
	})
	now := time.Now()
	// Four failures, then a long pause: the window forgets them.
	for i := 0; i < 4; i++ {
		l.recordLoginFailureAt(now.Add(time.Duration(i) * time.Second))
	}
	later := now.Add(2 * time.Minute)
	for i := 0; i < 4; i++ {
		if l.recordLoginFailureAt(later.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("stale attempts still counted")
		}
	}
}
