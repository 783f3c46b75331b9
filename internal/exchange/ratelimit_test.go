package exchange

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketImmediate(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("5 waits within burst took %v, want ~instant", elapsed)
	}
}

func TestTokenBucketBlocks(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 10) // refill 10/s → ~100ms per token

	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("second wait returned after %v, expected ~100ms block", elapsed)
	}
}

func TestTokenBucketContextCancel(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.001) // effectively never refills

	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	if err := tb.Wait(cancelCtx); err == nil {
		t.Error("Wait should fail when context expires before a token is available")
	}
}
