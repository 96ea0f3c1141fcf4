package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiter_Wait(t *testing.T) {
	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	// Consume the initial token.
	if err := l.Wait(ctx, "https://test.com"); err != nil {
		t.Fatal(err)
	}

	// 10 RPS means the next token arrives after ~100ms.
	start := time.Now()
	if err := l.Wait(ctx, "https://test.com/other"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}

	// A different host has its own bucket.
	start = time.Now()
	if err := l.Wait(ctx, "https://other.com"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur > 50*time.Millisecond {
		t.Errorf("expected immediate token for a new host, got %v", dur)
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	l := New(Config{})
	start := time.Now()
	for range 50 {
		if err := l.Wait(context.Background(), "https://example.com"); err != nil {
			t.Fatal(err)
		}
	}
	if dur := time.Since(start); dur > 50*time.Millisecond {
		t.Errorf("expected no throttling, took %v", dur)
	}
}

func TestLimiter_Penalize(t *testing.T) {
	l := New(Config{})
	l.Penalize("https://hiring.cafe/api", 150*time.Millisecond)

	start := time.Now()
	if err := l.Wait(context.Background(), "https://hiring.cafe/other"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 120*time.Millisecond {
		t.Errorf("expected cooldown ~150ms, got %v", dur)
	}
}

func TestLimiter_WaitCanceled(t *testing.T) {
	l := New(Config{})
	l.Penalize("https://hiring.cafe", time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://hiring.cafe")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
