package ratelimit

import (
	"testing"
	"time"
)

func TestBurstThenExhaustion(t *testing.T) {
	l := NewLimiter(1, 5)

	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("Call %d within burst should be allowed", i)
		}
	}
	if l.Allow() {
		t.Fatal("Call past burst should be denied")
	}
}

func TestRefillOverTime(t *testing.T) {
	l := NewLimiter(100, 1)

	if !l.Allow() {
		t.Fatal("First call should be allowed")
	}
	if l.Allow() {
		t.Fatal("Bucket should be empty")
	}

	time.Sleep(30 * time.Millisecond)
	if !l.Allow() {
		t.Fatal("Bucket should have refilled")
	}
}

func TestAllowN(t *testing.T) {
	l := NewLimiter(1, 10)

	if !l.AllowN(10) {
		t.Fatal("Full burst should be allowed at once")
	}
	if l.AllowN(1) {
		t.Fatal("Bucket should be empty after draining")
	}
}
