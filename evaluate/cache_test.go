package evaluate

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestCacheKey(t *testing.T) {
	text := strings.Repeat("t", 80)
	name := strings.Repeat("n", 40)
	want := strings.Repeat("t", 50) + ":" + strings.Repeat("n", 30)
	if got := CacheKey(text, name); got != want {
		t.Fatalf("CacheKey = %q, want %q", got, want)
	}
	if got := CacheKey("hi", "Q"); got != "hi:Q" {
		t.Fatalf("short key = %q", got)
	}
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache(3, 0)
	for i := 0; i < 3; i++ {
		c.Add(fmt.Sprint(i), Result{Confidence: float64(i)})
	}
	if _, ok := c.Get("0"); !ok {
		t.Fatalf("expected key 0 present")
	}
	c.Add("3", Result{})
	if _, ok := c.Get("1"); ok {
		t.Fatalf("expected key 1 evicted as least recently used")
	}
	if _, ok := c.Get("0"); !ok {
		t.Fatalf("recently read key 0 should survive")
	}
	if c.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", c.Len())
	}
}

func TestCache_TTL(t *testing.T) {
	c := NewCache(5, time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	c.Add("k", Result{CheckpointComplete: true})
	if _, ok := c.Get("k"); !ok {
		t.Fatalf("fresh entry should be served")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expired entry should be dropped")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be removed, len=%d", c.Len())
	}
}

func TestCache_NilIsDisabled(t *testing.T) {
	var c *Cache
	c.Add("k", Result{})
	if _, ok := c.Get("k"); ok || c.Len() != 0 {
		t.Fatalf("nil cache must behave as empty")
	}
}
