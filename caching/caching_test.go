package caching_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/watchllm/gateway/caching"
)

func fakeEmbed(_ context.Context, text string) ([]float64, error) {
	// Deterministic bag-of-words embedding good enough to exercise cosine
	// similarity without a real model.
	v := make([]float64, 26)
	for _, r := range text {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	return v, nil
}

func TestFingerprintStableUnderWhitespaceAndCase(t *testing.T) {
	a := caching.Fingerprint(caching.KindChat, caching.FingerprintInput{
		Model:    "gpt-4o",
		Messages: []caching.FingerprintMessage{{Role: "user", Content: "Hello   World"}},
	})
	b := caching.Fingerprint(caching.KindChat, caching.FingerprintInput{
		Model:    "gpt-4o",
		Messages: []caching.FingerprintMessage{{Role: "user", Content: "hello world"}},
	})
	if a != b {
		t.Fatalf("expected equal fingerprints, got %q vs %q", a, b)
	}
}

func TestFingerprintDiffersOnRoleOrder(t *testing.T) {
	a := caching.Fingerprint(caching.KindChat, caching.FingerprintInput{
		Messages: []caching.FingerprintMessage{{Role: "system", Content: "x"}, {Role: "user", Content: "y"}},
	})
	b := caching.Fingerprint(caching.KindChat, caching.FingerprintInput{
		Messages: []caching.FingerprintMessage{{Role: "user", Content: "y"}, {Role: "system", Content: "x"}},
	})
	if a == b {
		t.Fatal("expected different fingerprints for different role order")
	}
}

func TestSemanticLookupMissWithoutPriorStore(t *testing.T) {
	cfg := caching.DefaultConfig()
	cfg.SemanticEnabled = true
	e := caching.New(nil, zerolog.Nop(), cfg, fakeEmbed)

	res, err := e.Lookup(context.Background(), "proj1", caching.KindChat, "chat:nonexistent", "some prompt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Hit {
		t.Fatal("expected miss on empty cache")
	}
}

func TestSemanticStoreThenHitAboveThreshold(t *testing.T) {
	cfg := caching.DefaultConfig()
	cfg.SemanticEnabled = true
	cfg.SimilarityThresh = 0.99
	e := caching.New(nil, zerolog.Nop(), cfg, fakeEmbed)

	ctx := context.Background()
	body := []byte(`{"choices":[{"text":"hi"}]}`)
	e.Store(ctx, "proj1", caching.KindChat, "chat:abc", "gpt-4o", "explain the weather today", caching.Entry{Body: body})

	res, err := e.Lookup(ctx, "proj1", caching.KindChat, "chat:different-fp", "explain the weather today")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Hit || res.CacheKind != "semantic" {
		t.Fatalf("expected semantic hit, got %+v", res)
	}
}

func TestSemanticStoreRejectsPoisonedResponseOnReadback(t *testing.T) {
	cfg := caching.DefaultConfig()
	cfg.SemanticEnabled = true
	cfg.SimilarityThresh = 0.99
	cfg.ValidateResponses = true
	e := caching.New(nil, zerolog.Nop(), cfg, fakeEmbed)

	ctx := context.Background()
	poisoned := []byte(`{"error":"rate limited"}`)
	e.Store(ctx, "proj1", caching.KindChat, "chat:poison", "gpt-4o", "explain the weather today", caching.Entry{Body: poisoned})

	res, err := e.Lookup(ctx, "proj1", caching.KindChat, "chat:different-fp", "explain the weather today")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Hit {
		t.Fatal("expected poisoned entry to be rejected as a miss")
	}
}

func TestSemanticPartitionEvictsBeyondCapacity(t *testing.T) {
	cfg := caching.DefaultConfig()
	cfg.SemanticEnabled = true
	cfg.MaxPerPartition = 2
	e := caching.New(nil, zerolog.Nop(), cfg, fakeEmbed)

	ctx := context.Background()
	for i, text := range []string{"alpha", "bravo zulu", "charlie delta echo"} {
		e.Store(ctx, "proj1", caching.KindChat, "chat:fp"+string(rune('a'+i)), "gpt-4o", text, caching.Entry{Body: []byte(`{"choices":[{"text":"ok"}]}`)})
	}
	stats := e.Stats()
	if stats.Evictions < 1 {
		t.Fatalf("expected at least one eviction once partition exceeded capacity, got %+v", stats)
	}
}
