package feed

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chart-stream/internal/models"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// startFeedServer runs a combined-stream endpoint that pushes the given
// frames to every connection.
func startFeedServer(t *testing.T, frames [][]byte) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stream" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}

		// Keep the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestFeedURL(t *testing.T) {
	f := NewUpstreamFeed("wss://stream.binance.com:9443", []string{"btcusdt@miniTicker", "ethusdt@trade"}, testLogger())
	want := "wss://stream.binance.com:9443/stream?streams=btcusdt@miniTicker/ethusdt@trade"
	if got := f.URL(); got != want {
		t.Errorf("URL() = %q, want %q", got, want)
	}
}

func TestFeedReceivesAndDecodesFrames(t *testing.T) {
	frames := [][]byte{
		[]byte(`{"stream":"btcusdt@miniTicker","data":` + miniTickerData + `}`),
		[]byte(`{"stream":"ethusdt@trade","data":` + tradeData + `}`),
		[]byte(`garbage that must be dropped`),
		[]byte(`{"stream":"btcusdt@kline_1m","data":` + klineData + `}`),
	}
	srv := startFeedServer(t, frames)
	defer srv.Close()

	f := NewUpstreamFeed(wsURL(srv), []string{"btcusdt@miniTicker"}, testLogger())

	events := make(chan *models.PriceEvent, 16)
	klines := make(chan *models.Kline, 16)
	f.OnPrice(func(e *models.PriceEvent) { events <- e })
	f.OnKline(func(k *models.Kline, _ *models.PriceEvent) { klines <- k })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)
	defer f.Stop()

	got := make([]*models.PriceEvent, 0, 3)
	timeout := time.After(3 * time.Second)
	for len(got) < 3 {
		select {
		case e := <-events:
			got = append(got, e)
		case <-timeout:
			t.Fatalf("timed out with %d events", len(got))
		}
	}

	if got[0].Source != models.SourceMiniTicker || got[1].Source != models.SourceTrade || got[2].Source != models.SourceKline {
		t.Errorf("event sources = %s %s %s", got[0].Source, got[1].Source, got[2].Source)
	}

	select {
	case k := <-klines:
		if k.Interval != "1m" {
			t.Errorf("kline interval = %q", k.Interval)
		}
	case <-time.After(time.Second):
		t.Fatal("kline never delivered")
	}

	if !f.Connected() {
		t.Error("feed should report connected while the socket is open")
	}
}

func TestFeedStopDisconnects(t *testing.T) {
	srv := startFeedServer(t, nil)
	defer srv.Close()

	f := NewUpstreamFeed(wsURL(srv), []string{"btcusdt@miniTicker"}, testLogger())
	f.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for !f.Connected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !f.Connected() {
		t.Fatal("feed never connected")
	}

	f.Stop()
	if f.Connected() {
		t.Error("feed should report disconnected after Stop")
	}
}

func TestFeedAbandonsAfterMaxAttempts(t *testing.T) {
	// Nothing listens here; every dial fails fast.
	f := NewUpstreamFeed("ws://127.0.0.1:1", []string{"btcusdt@miniTicker"}, testLogger())

	// 10 attempts of capped exponential backoff add up to minutes; starting at
	// the edge of the budget lets the next failed dial exhaust it without
	// waiting the schedule out.
	f.attempts = maxAttempts

	done := make(chan struct{})
	go func() {
		f.run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		f.Stop()
		<-done
		t.Fatal("feed kept retrying after its reconnect budget was spent")
	}

	if f.Connected() {
		t.Error("feed must expose connected=false after failed dials")
	}
}
