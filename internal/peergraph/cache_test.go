package peergraph

import (
	"testing"
	"time"
)

func TestMissCacheTTLExpiry(t *testing.T) {
	c := newMissCache()
	now := time.Now()
	c.Mark("oip:records:p:1", now)

	if !c.IsMissing("oip:records:p:1", now.Add(30*time.Minute)) {
		t.Fatal("expected soul to still be cached as missing within the TTL")
	}
	if c.IsMissing("oip:records:p:1", now.Add(2*time.Hour)) {
		t.Fatal("expected soul to have expired from the miss cache")
	}
}

func TestMissCacheFIFOEviction(t *testing.T) {
	c := newMissCache()
	now := time.Now()
	for i := 0; i < missCacheCapacity+10; i++ {
		c.Mark(soulForIndex(i), now)
	}
	if c.order.Len() != missCacheCapacity {
		t.Fatalf("expected cache to cap at %d entries, got %d", missCacheCapacity, c.order.Len())
	}
	if c.IsMissing(soulForIndex(0), now) {
		t.Fatal("expected the oldest entry to have been evicted")
	}
	if !c.IsMissing(soulForIndex(missCacheCapacity+9), now) {
		t.Fatal("expected the most recently inserted entry to remain cached")
	}
}

func TestMissCacheForget(t *testing.T) {
	c := newMissCache()
	now := time.Now()
	c.Mark("oip:records:p:1", now)
	c.Forget("oip:records:p:1")
	if c.IsMissing("oip:records:p:1", now) {
		t.Fatal("expected forgotten soul to no longer be cached as missing")
	}
}

func soulForIndex(i int) string {
	return "oip:records:p:" + string(rune('a'+i%26)) + string(rune(i))
}
