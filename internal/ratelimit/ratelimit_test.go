package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinWindow(t *testing.T) {
	l := NewLimiter()
	defer l.Stop()

	now := time.Now()
	rule := Rules["submit_frame"]
	for i := 0; i < rule.Max; i++ {
		ok, _ := l.Allow("10.0.0.1", "submit_frame", now)
		if !ok {
			t.Fatalf("message %d rejected inside the window", i+1)
		}
	}

	ok, retry := l.Allow("10.0.0.1", "submit_frame", now)
	if ok {
		t.Fatal("over-limit message allowed")
	}
	if retry <= 0 || retry > rule.Window {
		t.Errorf("retry hint out of range: %v", retry)
	}
}

func TestWindowReset(t *testing.T) {
	l := NewLimiter()
	defer l.Stop()

	now := time.Now()
	rule := Rules["join_random"]
	for i := 0; i < rule.Max+5; i++ {
		l.Allow("10.0.0.2", "join_random", now)
	}
	if ok, _ := l.Allow("10.0.0.2", "join_random", now); ok {
		t.Fatal("expected rejection before reset")
	}

	later := now.Add(rule.Window + time.Second)
	if ok, _ := l.Allow("10.0.0.2", "join_random", later); !ok {
		t.Error("expected fresh window after reset")
	}
}

func TestVerbsAreIndependent(t *testing.T) {
	l := NewLimiter()
	defer l.Stop()

	now := time.Now()
	for i := 0; i < Rules["submit_frame"].Max+1; i++ {
		l.Allow("10.0.0.3", "submit_frame", now)
	}
	if ok, _ := l.Allow("10.0.0.3", "hello", now); !ok {
		t.Error("hello throttled by submit_frame bucket")
	}
}

func TestSourcesAreIndependent(t *testing.T) {
	l := NewLimiter()
	defer l.Stop()

	now := time.Now()
	for i := 0; i < Rules["hello"].Max+1; i++ {
		l.Allow("10.0.0.4", "hello", now)
	}
	if ok, _ := l.Allow("10.0.0.5", "hello", now); !ok {
		t.Error("second source throttled by first source's bucket")
	}
}

func TestUnknownVerbUsesDefault(t *testing.T) {
	l := NewLimiter()
	defer l.Stop()

	now := time.Now()
	for i := 0; i < DefaultRule.Max; i++ {
		if ok, _ := l.Allow("10.0.0.6", "mystery", now); !ok {
			t.Fatalf("message %d rejected inside the default window", i+1)
		}
	}
	if ok, _ := l.Allow("10.0.0.6", "mystery", now); ok {
		t.Error("default limit not enforced")
	}
}

func TestSweepDropsExpiredBuckets(t *testing.T) {
	l := NewLimiter()
	defer l.Stop()

	now := time.Now()
	l.Allow("10.0.0.7", "hello", now)
	l.Allow("10.0.0.8", "hello", now)

	l.Sweep(now.Add(Rules["hello"].Window + time.Second))

	l.mu.Lock()
	n := len(l.buckets)
	l.mu.Unlock()
	if n != 0 {
		t.Errorf("expected empty bucket map after sweep, got %d", n)
	}
}

func TestIPLimiter(t *testing.T) {
	l := NewIPLimiter(1, 2)
	if !l.Allow("1.2.3.4") || !l.Allow("1.2.3.4") {
		t.Fatal("burst rejected")
	}
	if l.Allow("1.2.3.4") {
		t.Error("burst exceeded but allowed")
	}
	if !l.Allow("5.6.7.8") {
		t.Error("fresh IP throttled")
	}
}
