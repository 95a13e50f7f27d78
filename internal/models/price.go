package models

import "encoding/json"

// PriceEvent sources, discriminated by the upstream `e` field.
const (
	SourceMiniTicker = "miniTicker"
	SourceTrade      = "trade"
	SourceKline      = "kline"
)

// PriceEvent is the normalized in-memory event flowing from the upstream feed
// through the broadcaster to the gateway and the broker.
type PriceEvent struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"` // decimal-as-string
	Ts     int64  `json:"ts"`    // event time, ms
	Source string `json:"source"`

	// Origin identifies the replica that produced the event. The broker
	// subscriber uses it to skip events it already fanned out locally.
	Origin string `json:"origin,omitempty"`

	// Raw carries the original upstream payload (the `data` object of the
	// combined-stream frame).
	Raw json.RawMessage `json:"raw,omitempty"`
}

// PriceUpdate is the wire shape sent to downstream clients. Short keys keep
// the per-tick frame small.
type PriceUpdate struct {
	Symbol string `json:"s"`
	Price  string `json:"p"`
	Ts     int64  `json:"t"`
}

// Update converts the event to its downstream wire shape.
func (e *PriceEvent) Update() *PriceUpdate {
	return &PriceUpdate{Symbol: e.Symbol, Price: e.Price, Ts: e.Ts}
}
