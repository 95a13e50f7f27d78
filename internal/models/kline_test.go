package models

import (
	"testing"
	"time"
)

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"btcusdt":   "BTCUSDT",
		" ethusdt ": "ETHUSDT",
		"BNBUSDT":   "BNBUSDT",
	}
	for in, want := range cases {
		if got := NormalizeSymbol(in); got != want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsValidInterval(t *testing.T) {
	for _, interval := range ValidIntervals() {
		if !IsValidInterval(interval) {
			t.Errorf("%q should be valid", interval)
		}
	}
	for _, interval := range []string{"", "2m", "1y", "1s", "60"} {
		if IsValidInterval(interval) {
			t.Errorf("%q should not be valid", interval)
		}
	}
}

func TestIntervalDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"1m":  time.Minute,
		"15m": 15 * time.Minute,
		"1h":  time.Hour,
		"1d":  24 * time.Hour,
		"1w":  168 * time.Hour,
	}
	for interval, want := range cases {
		if got := IntervalDuration(interval); got != want {
			t.Errorf("IntervalDuration(%q) = %v, want %v", interval, got, want)
		}
	}
}

func TestCloseTimeForFixedIntervals(t *testing.T) {
	open := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

	got := CloseTimeFor(open, "1m")
	want := open + time.Minute.Milliseconds() - 1
	if got != want {
		t.Errorf("CloseTimeFor 1m = %d, want %d", got, want)
	}

	if CloseTimeFor(open, "1h")-open != time.Hour.Milliseconds()-1 {
		t.Error("1h close time does not span exactly one hour")
	}
}

func TestCloseTimeForCalendarMonth(t *testing.T) {
	// 1M follows the calendar, not a fixed duration.
	open := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	got := CloseTimeFor(open.UnixMilli(), "1M")
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli() - 1
	if got != want {
		t.Errorf("February close time = %d, want %d", got, want)
	}

	open = time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	got = CloseTimeFor(open.UnixMilli(), "1M")
	want = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli() - 1
	if got != want {
		t.Errorf("December close time = %d, want %d", got, want)
	}
}

func TestEnsureCloseTime(t *testing.T) {
	open := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

	// A consistent close time is left alone.
	k := &Kline{Symbol: "BTCUSDT", Interval: "1m", OpenTime: open, CloseTime: open + 59999}
	k.EnsureCloseTime()
	if k.CloseTime != open+59999 {
		t.Errorf("consistent close time was rewritten to %d", k.CloseTime)
	}

	// Missing or inconsistent close times are repaired.
	for _, bad := range []int64{0, open, open + 60000, open - 1} {
		k := &Kline{Symbol: "BTCUSDT", Interval: "1m", OpenTime: open, CloseTime: bad}
		k.EnsureCloseTime()
		if k.CloseTime != open+59999 {
			t.Errorf("close time %d repaired to %d, want %d", bad, k.CloseTime, open+59999)
		}
	}

	// 1M repairs follow the calendar month.
	monthOpen := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	m := &Kline{Symbol: "BTCUSDT", Interval: "1M", OpenTime: monthOpen, CloseTime: 0}
	m.EnsureCloseTime()
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli() - 1
	if m.CloseTime != want {
		t.Errorf("1M close time repaired to %d, want %d", m.CloseTime, want)
	}
}

func TestKlineKey(t *testing.T) {
	k := &Kline{Symbol: "BTCUSDT", Interval: "1m", OpenTime: 1700000040000}
	if got := k.Key(); got != "BTCUSDT:1m:1700000040000" {
		t.Errorf("Key() = %q", got)
	}
}

func TestPriceEventUpdate(t *testing.T) {
	e := &PriceEvent{Symbol: "BTCUSDT", Price: "70000.00", Ts: 1700000000000, Source: SourceMiniTicker}
	u := e.Update()
	if u.Symbol != "BTCUSDT" || u.Price != "70000.00" || u.Ts != 1700000000000 {
		t.Errorf("Update() = %+v", u)
	}
}
