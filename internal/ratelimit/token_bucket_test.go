package ratelimit

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestCostForBytes(t *testing.T) {
	cases := []struct {
		n, per, want int64
	}{
		{0, 1 << 20, 1},
		{-5, 1 << 20, 1},
		{1, 1 << 20, 2},
		{1 << 20, 1 << 20, 2},
		{1<<20 + 1, 1 << 20, 3},
		{10 << 20, 0, 1},
	}
	for _, tc := range cases {
		if got := CostForBytes(tc.n, tc.per); got != tc.want {
			t.Fatalf("CostForBytes(%d, %d) = %d, want %d", tc.n, tc.per, got, tc.want)
		}
	}
}

func TestToInt64(t *testing.T) {
	for _, in := range []any{int64(7), 7, float64(7), "7"} {
		got, err := toInt64(in)
		if err != nil || got != 7 {
			t.Fatalf("toInt64(%T) = %d, %v", in, got, err)
		}
	}
	if _, err := toInt64([]byte("7")); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}

func TestNewRedisTokenBucketValidates(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	if _, err := NewRedisTokenBucket(nil, 10, time.Minute, ""); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := NewRedisTokenBucket(client, 0, time.Minute, ""); err == nil {
		t.Fatal("expected error for zero capacity")
	}
	if _, err := NewRedisTokenBucket(client, 10, 0, ""); err == nil {
		t.Fatal("expected error for zero window")
	}

	bucket, err := NewRedisTokenBucket(client, 10, time.Minute, "")
	if err != nil {
		t.Fatalf("new bucket: %v", err)
	}
	if bucket.keyPrefix != DefaultKeyPrefix {
		t.Fatalf("unexpected default key prefix %q", bucket.keyPrefix)
	}
}

func TestParseDecision(t *testing.T) {
	d, err := parseDecision([]any{int64(0), int64(3), int64(1500)})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Allowed || d.Remaining != 3 || d.RetryAfter != 1500*time.Millisecond {
		t.Fatalf("unexpected decision %+v", d)
	}

	d, err = parseDecision([]any{int64(1), "9", int64(0)})
	if err != nil || !d.Allowed || d.Remaining != 9 {
		t.Fatalf("unexpected decision %+v err=%v", d, err)
	}

	if _, err := parseDecision([]any{int64(1)}); err == nil {
		t.Fatal("expected error for short response")
	}
	if _, err := parseDecision("OK"); err == nil {
		t.Fatal("expected error for non-array response")
	}
	if _, err := parseDecision([]any{int64(1), []byte("x"), int64(0)}); err == nil {
		t.Fatal("expected error for unparsable field")
	}
}

func TestBucketKey(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	bucket, err := NewRedisTokenBucket(client, 10, time.Minute, "img")
	if err != nil {
		t.Fatalf("new bucket: %v", err)
	}
	if got := bucket.key(" user-1:/v1/postprocess "); got != "img:user-1:/v1/postprocess" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := bucket.key(""); got != "img:anonymous" {
		t.Fatalf("unexpected key %q", got)
	}
}
