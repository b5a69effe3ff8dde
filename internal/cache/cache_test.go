package cache

import (
	"testing"
	"time"

	"github.com/wayfarerhq/llm-gateway/internal/domain"
)

func TestCache_PutGet(t *testing.T) {
	c := New(16, time.Minute, time.Hour)

	resp := &domain.Response{
		GenerationID: "gen-1",
		Content:      "a packing list",
		Provider:     "openai",
		ModelUsed:    "gpt-4o-mini",
		CostUSD:      0.002,
	}
	c.Put("fp-1", resp, 0)

	got, ok := c.Get("fp-1")
	if !ok {
		t.Fatal("Get() miss, want hit")
	}
	if !got.FromCache {
		t.Error("cached response should be annotated FromCache=true")
	}
	if got.Content != resp.Content || got.CostUSD != resp.CostUSD {
		t.Errorf("cached response = %+v, want %+v", got, resp)
	}

	// The stored copy must not be mutated by the annotation.
	if resp.FromCache {
		t.Error("Put() must not mutate the caller's response")
	}
}

func TestCache_MissUnknownKey(t *testing.T) {
	c := New(16, time.Minute, time.Hour)
	if _, ok := c.Get("absent"); ok {
		t.Error("Get() on unknown key should miss")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(16, time.Minute, time.Hour)
	current := time.Unix(1700000000, 0)
	c.now = func() time.Time { return current }

	c.Put("fp-1", &domain.Response{Content: "x"}, 10*time.Second)

	if _, ok := c.Get("fp-1"); !ok {
		t.Fatal("entry should be live before TTL")
	}

	current = current.Add(11 * time.Second)
	if _, ok := c.Get("fp-1"); ok {
		t.Error("entry should expire after its per-entry TTL")
	}
}

func TestCache_ProviderTTLClamped(t *testing.T) {
	c := New(16, time.Minute, 2*time.Minute)
	current := time.Unix(1700000000, 0)
	c.now = func() time.Time { return current }

	c.Put("fp-1", &domain.Response{Content: "x"}, 24*time.Hour)

	current = current.Add(3 * time.Minute)
	if _, ok := c.Get("fp-1"); ok {
		t.Error("provider-declared TTL should be clamped to the configured maximum")
	}
}

func TestCache_Stats(t *testing.T) {
	c := New(16, time.Minute, time.Hour)
	c.Put("fp-1", &domain.Response{Content: "x"}, 0)

	c.Get("fp-1")
	c.Get("fp-1")
	c.Get("nope")

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 2 hits 1 miss", stats)
	}
	if got := stats.HitRate(); got < 0.66 || got > 0.67 {
		t.Errorf("HitRate() = %f, want ~0.667", got)
	}
}
