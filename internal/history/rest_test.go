package history

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const klineRows = `[
  [1700000040000,"70000.00","70050.00","69990.00","70042.00","12.5",1700000099999,"875000.00",321,"6.25","437500.00","0"],
  [1700000100000,"70042.00","70100.00","70000.00","70090.00","8.1",1700000159999,"567000.00",210,"4.0","280000.00","0"]
]`

func TestGetKlinesDecodesPositionalRows(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(klineRows))
	}))
	defer srv.Close()

	client := NewRestClient(srv.URL, testLogger())
	klines, err := client.GetKlines(context.Background(), "BTCUSDT", "1m", 1700000000000, 1700000200000, 500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(klines) != 2 {
		t.Fatalf("got %d klines", len(klines))
	}

	k := klines[0]
	if k.OpenTime != 1700000040000 || k.CloseTime != 1700000099999 {
		t.Errorf("times = %d %d", k.OpenTime, k.CloseTime)
	}
	if k.Open != "70000.00" || k.High != "70050.00" || k.Low != "69990.00" || k.Close != "70042.00" {
		t.Errorf("ohlc = %s %s %s %s", k.Open, k.High, k.Low, k.Close)
	}
	if k.Volume != "12.5" || k.QuoteVolume != "875000.00" {
		t.Errorf("volumes = %s %s", k.Volume, k.QuoteVolume)
	}
	if k.Trades != 321 {
		t.Errorf("trades = %d", k.Trades)
	}
	if k.TakerBuyBaseVolume != "6.25" || k.TakerBuyQuoteVolume != "437500.00" {
		t.Errorf("taker volumes = %s %s", k.TakerBuyBaseVolume, k.TakerBuyQuoteVolume)
	}
	if !k.IsClosed {
		t.Error("REST rows are final and must be marked closed")
	}

	for _, want := range []string{"symbol=BTCUSDT", "interval=1m", "limit=500", "startTime=1700000000000", "endTime=1700000200000"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q missing %q", gotQuery, want)
		}
	}
}

func TestGetKlinesSkipsMalformedRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
  [1700000040000,"70000.00","70050.00","69990.00","70042.00","12.5",1700000099999,"875000.00",321,"6.25","437500.00","0"],
  [1700000100000,"not a number","x","x","x","x",1700000159999,"x",1,"x","x","0"]
]`))
	}))
	defer srv.Close()

	client := NewRestClient(srv.URL, testLogger())
	klines, err := client.GetKlines(context.Background(), "BTCUSDT", "1m", 0, 0, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(klines) != 1 {
		t.Errorf("malformed row should be skipped, got %d rows", len(klines))
	}
}

func TestGetKlinesErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, `{"code":-1003,"msg":"Too many requests."}`, ErrTooManyRequests},
		{"invalid symbol", http.StatusBadRequest, `{"code":-1121,"msg":"Invalid symbol."}`, ErrSymbolNotFound},
		{"server error", http.StatusInternalServerError, `oops`, ErrBadGateway},
		{"other 4xx", http.StatusBadRequest, `{"code":-1100,"msg":"Illegal characters."}`, ErrBadGateway},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(c.status)
				w.Write([]byte(c.body))
			}))
			defer srv.Close()

			client := NewRestClient(srv.URL, testLogger())
			_, err := client.GetKlines(context.Background(), "BTCUSDT", "1m", 0, 0, 10)
			if !errors.Is(err, c.want) {
				t.Errorf("err = %v, want %v", err, c.want)
			}
		})
	}
}

func TestDecodeKlineRowRepairsInconsistentCloseTime(t *testing.T) {
	row := []interface{}{
		float64(1700000040000), "1", "2", "0.5", "1.5", "10",
		float64(1700000040000), // does not span the 1m interval
		"15", float64(3), "5", "7", "0",
	}
	k, err := decodeKlineRow(row, "BTCUSDT", "1m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := int64(1700000099999); k.CloseTime != want {
		t.Errorf("close time = %d, want repaired %d", k.CloseTime, want)
	}
}

func TestDecodeKlineRowShortRow(t *testing.T) {
	_, err := decodeKlineRow([]interface{}{float64(1), "1"}, "BTCUSDT", "1m")
	if err == nil {
		t.Error("short rows must error")
	}
}
