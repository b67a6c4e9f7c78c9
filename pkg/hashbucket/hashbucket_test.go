package hashbucket

import (
	"fmt"
	"testing"
)

func TestBucketDeterministic(t *testing.T) {
	a := Bucket("request-123", "seed-a")
	b := Bucket("request-123", "seed-a")
	if a != b {
		t.Fatalf("expected deterministic bucket, got %d then %d", a, b)
	}
	if a < 0 || a >= 100 {
		t.Fatalf("bucket out of range: %d", a)
	}
}

func TestBucketIndependentPerSeed(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		seen[Bucket("request-123", fmt.Sprintf("seed-%d", i))] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected bucket to vary across seeds, got %d distinct values", len(seen))
	}
}

func TestBucketDistribution(t *testing.T) {
	counts := make([]int, 100)
	for i := 0; i < 20000; i++ {
		counts[Bucket(fmt.Sprintf("id-%d", i), "fixed-seed")]++
	}
	for b, c := range counts {
		if c == 0 {
			t.Fatalf("expected roughly uniform distribution, bucket %d was never hit", b)
		}
	}
}
