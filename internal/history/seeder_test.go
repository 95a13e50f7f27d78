package history

import (
	"context"
	"testing"
	"time"
)

func TestSeederSkipsWellStockedKeys(t *testing.T) {
	store := newFakeStore()
	upstream := &fakeUpstream{}

	cfg := &SeedConfig{Symbols: []string{"BTCUSDT"}, Intervals: []string{"1m"}, Limit: 100}

	// 95 rows >= 0.9 * 100: already seeded.
	newest := time.Now().UnixMilli() / 60000 * 60000
	seedStore(store, "BTCUSDT", "1m", 95, newest)

	seeder := NewSeeder(store, upstream, cfg, testLogger())
	seeder.Run(context.Background())

	if upstream.callCount() != 0 {
		t.Errorf("well-stocked key should be skipped, upstream calls = %d", upstream.callCount())
	}
}

func TestSeederBackfillsEmptyKeys(t *testing.T) {
	store := newFakeStore()
	upstream := &fakeUpstream{}

	cfg := &SeedConfig{Symbols: []string{"btcusdt"}, Intervals: []string{"1m", "1h"}, Limit: 50}

	seeder := NewSeeder(store, upstream, cfg, testLogger())
	seeder.Run(context.Background())

	if upstream.callCount() != 2 {
		t.Fatalf("upstream calls = %d, want 2", upstream.callCount())
	}

	for _, interval := range cfg.Intervals {
		n, _ := store.Count(context.Background(), "BTCUSDT", interval)
		if n != 50 {
			t.Errorf("key BTCUSDT/%s holds %d rows, want 50", interval, n)
		}
	}
}

func TestSeederStopsOnCancel(t *testing.T) {
	store := newFakeStore()
	upstream := &fakeUpstream{}

	cfg := &SeedConfig{
		Symbols:   []string{"A", "B", "C", "D", "E", "F", "G"},
		Intervals: []string{"1m", "5m", "15m", "1h", "4h", "1d"},
		Limit:     10,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	seeder := NewSeeder(store, upstream, cfg, testLogger())

	done := make(chan struct{})
	go func() {
		seeder.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("seeder did not honor cancellation")
	}
}

func TestDefaultSeedConfig(t *testing.T) {
	cfg := DefaultSeedConfig()
	if len(cfg.Symbols) != 7 || len(cfg.Intervals) != 6 || cfg.Limit != 1000 {
		t.Errorf("default seed matrix = %dx%d limit %d", len(cfg.Symbols), len(cfg.Intervals), cfg.Limit)
	}
}

func TestLoadSeedConfigWithFallback(t *testing.T) {
	if cfg := LoadSeedConfigWithFallback(""); cfg.Limit != 1000 {
		t.Error("empty path should fall back to defaults")
	}
	if cfg := LoadSeedConfigWithFallback("/nonexistent/seed.yaml"); len(cfg.Symbols) != 7 {
		t.Error("unreadable file should fall back to defaults")
	}
}
