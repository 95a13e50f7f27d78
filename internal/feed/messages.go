package feed

import (
	"encoding/json"

	"chart-stream/internal/models"
)

// streamFrame is the combined-stream envelope: {"stream": "...", "data": {...}}.
type streamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// eventProbe extracts the discriminator before the full decode.
type eventProbe struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
}

// miniTickerMessage is the 24hrMiniTicker event payload.
type miniTickerMessage struct {
	EventType   string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	Close       string `json:"c"`
	Open        string `json:"o"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Volume      string `json:"v"`
	QuoteVolume string `json:"q"`
}

// tradeMessage is the trade event payload.
type tradeMessage struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// klineMessage is the kline event payload.
type klineMessage struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime           int64  `json:"t"`
		CloseTime           int64  `json:"T"`
		Symbol              string `json:"s"`
		Interval            string `json:"i"`
		Open                string `json:"o"`
		Close               string `json:"c"`
		High                string `json:"h"`
		Low                 string `json:"l"`
		Volume              string `json:"v"`
		Trades              int64  `json:"n"`
		IsClosed            bool   `json:"x"`
		QuoteVolume         string `json:"q"`
		TakerBuyBaseVolume  string `json:"V"`
		TakerBuyQuoteVolume string `json:"Q"`
	} `json:"k"`
}

func (m *klineMessage) toKline() *models.Kline {
	k := &models.Kline{
		Symbol:              models.NormalizeSymbol(m.Symbol),
		Interval:            m.Kline.Interval,
		OpenTime:            m.Kline.StartTime,
		CloseTime:           m.Kline.CloseTime,
		Open:                m.Kline.Open,
		High:                m.Kline.High,
		Low:                 m.Kline.Low,
		Close:               m.Kline.Close,
		Volume:              m.Kline.Volume,
		QuoteVolume:         m.Kline.QuoteVolume,
		Trades:              m.Kline.Trades,
		TakerBuyBaseVolume:  m.Kline.TakerBuyBaseVolume,
		TakerBuyQuoteVolume: m.Kline.TakerBuyQuoteVolume,
		IsClosed:            m.Kline.IsClosed,
	}
	k.EnsureCloseTime()
	return k
}

// KlineFromRaw decodes the kline payload out of a raw upstream event when its
// `e` field is "kline"; otherwise returns nil. Broker subscribers use this to
// rebuild the candle carried inside a remote price event.
func KlineFromRaw(raw json.RawMessage) *models.Kline {
	if len(raw) == 0 {
		return nil
	}

	var probe eventProbe
	if err := json.Unmarshal(raw, &probe); err != nil || probe.EventType != models.SourceKline {
		return nil
	}

	var msg klineMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	return msg.toKline()
}

// decodeEvent normalizes one combined-stream `data` payload. The second
// return value carries the candle for kline events. A nil event means the
// payload is not one of the recognized variants.
func decodeEvent(data json.RawMessage) (*models.PriceEvent, *models.Kline, error) {
	var probe eventProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, nil, err
	}

	switch probe.EventType {
	case "24hrMiniTicker":
		var msg miniTickerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, nil, err
		}
		return &models.PriceEvent{
			Symbol: models.NormalizeSymbol(msg.Symbol),
			Price:  msg.Close,
			Ts:     msg.EventTime,
			Source: models.SourceMiniTicker,
			Raw:    data,
		}, nil, nil

	case "trade":
		var msg tradeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, nil, err
		}
		return &models.PriceEvent{
			Symbol: models.NormalizeSymbol(msg.Symbol),
			Price:  msg.Price,
			Ts:     msg.EventTime,
			Source: models.SourceTrade,
			Raw:    data,
		}, nil, nil

	case "kline":
		var msg klineMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, nil, err
		}
		event := &models.PriceEvent{
			Symbol: models.NormalizeSymbol(msg.Symbol),
			Price:  msg.Kline.Close,
			Ts:     msg.EventTime,
			Source: models.SourceKline,
			Raw:    data,
		}
		return event, msg.toKline(), nil

	default:
		return nil, nil, nil
	}
}
