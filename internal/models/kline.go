package models

import (
	"fmt"
	"strings"
	"time"
)

// Kline represents one OHLCV candle as persisted in the klines collection.
// Monetary and volume fields are kept as strings end-to-end to preserve the
// precision reported by the exchange; they are parsed to numbers only by the
// final consumer.
type Kline struct {
	Symbol              string `bson:"symbol" json:"symbol"`
	Interval            string `bson:"interval" json:"interval"`
	OpenTime            int64  `bson:"openTime" json:"openTime"`   // ms
	CloseTime           int64  `bson:"closeTime" json:"closeTime"` // ms
	Open                string `bson:"open" json:"open"`
	High                string `bson:"high" json:"high"`
	Low                 string `bson:"low" json:"low"`
	Close               string `bson:"close" json:"close"`
	Volume              string `bson:"volume" json:"volume"`
	QuoteVolume         string `bson:"quoteVolume" json:"quoteVolume"`
	Trades              int64  `bson:"trades" json:"trades"`
	TakerBuyBaseVolume  string `bson:"takerBuyBaseVolume" json:"takerBuyBaseVolume"`
	TakerBuyQuoteVolume string `bson:"takerBuyQuoteVolume" json:"takerBuyQuoteVolume"`
	IsClosed            bool   `bson:"isClosed" json:"isClosed"`
}

// Key uniquely identifies a candle row.
func (k *Kline) Key() string {
	return fmt.Sprintf("%s:%s:%d", k.Symbol, k.Interval, k.OpenTime)
}

// NormalizeSymbol maps a client-supplied symbol to its canonical form.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// validIntervals is the closed set of supported candle intervals.
var validIntervals = []string{
	"1m", "3m", "5m", "15m", "30m",
	"1h", "2h", "4h", "6h", "8h", "12h",
	"1d", "3d", "1w", "1M",
}

// ValidIntervals returns the closed set of supported intervals.
func ValidIntervals() []string {
	out := make([]string, len(validIntervals))
	copy(out, validIntervals)
	return out
}

// IsValidInterval reports whether interval belongs to the closed set.
func IsValidInterval(interval string) bool {
	for _, i := range validIntervals {
		if i == interval {
			return true
		}
	}
	return false
}

// IntervalDuration converts an interval string to its fixed duration.
// 1M is calendar-month in reality; the 30-day approximation here is used for
// freshness arithmetic and the backfill progress estimate, never to compute
// close times.
func IntervalDuration(interval string) time.Duration {
	switch interval {
	case "1m":
		return 1 * time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return 1 * time.Hour
	case "2h":
		return 2 * time.Hour
	case "4h":
		return 4 * time.Hour
	case "6h":
		return 6 * time.Hour
	case "8h":
		return 8 * time.Hour
	case "12h":
		return 12 * time.Hour
	case "1d":
		return 24 * time.Hour
	case "3d":
		return 72 * time.Hour
	case "1w":
		return 168 * time.Hour
	case "1M":
		return 720 * time.Hour
	default:
		return 1 * time.Minute
	}
}

// CloseTimeFor computes the close time (the candle's last millisecond,
// inclusive) of the candle opening at openTime. 1M follows the calendar month.
func CloseTimeFor(openTime int64, interval string) int64 {
	if interval == "1M" {
		t := time.UnixMilli(openTime).UTC()
		return t.AddDate(0, 1, 0).UnixMilli() - 1
	}
	return openTime + IntervalDuration(interval).Milliseconds() - 1
}

// EnsureCloseTime repairs the candle's close time so it spans exactly one
// interval from openTime (calendar month for 1M). Decode paths call this on
// every row, so a missing or inconsistent upstream closeTime never reaches
// the store or the wire.
func (k *Kline) EnsureCloseTime() {
	if want := CloseTimeFor(k.OpenTime, k.Interval); k.CloseTime != want {
		k.CloseTime = want
	}
}
