package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucketPerBrowser(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, err := bucket.Allow(ctx, "browserA")
	if err != nil || !allowed {
		t.Fatalf("expected first shout allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _ = bucket.Allow(ctx, "browserA")
	if !allowed {
		t.Fatalf("expected second shout allowed")
	}
	allowed, _ = bucket.Allow(ctx, "browserA")
	if allowed {
		t.Fatalf("expected third shout rejected")
	}

	// Buckets are independent per browser.
	allowed, _ = bucket.Allow(ctx, "browserB")
	if !allowed {
		t.Fatalf("expected a different browser to have its own bucket")
	}
}
