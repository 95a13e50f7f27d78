package gateway

import (
	"encoding/json"
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

func startGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	gw := NewGateway("*", testLogger())
	srv := httptest.NewServer(http.HandlerFunc(gw.Handle))
	t.Cleanup(srv.Close)
	return gw, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	frame, _ := json.Marshal(&Envelope{Event: event, Data: raw})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn, d time.Duration) *Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(d))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return &env
}

func waitForRoom(t *testing.T, gw *Gateway, symbol string, size int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for gw.RoomSize(symbol) != size && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := gw.RoomSize(symbol); got != size {
		t.Fatalf("room %s size = %d, want %d", symbol, got, size)
	}
}

func TestSubscribeAckAndPriceDelivery(t *testing.T) {
	gw, srv := startGateway(t)
	conn := dial(t, srv)

	// Lowercase on the wire, normalized in the ack.
	send(t, conn, EventSubscribe, map[string]string{"symbol": "btcusdt"})

	env := readEnvelope(t, conn, time.Second)
	if env.Event != EventSubscribe {
		t.Fatalf("ack event = %q", env.Event)
	}
	var ack Ack
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		t.Fatalf("ack decode: %v", err)
	}
	if ack.Status != "success" || ack.Symbol != "BTCUSDT" {
		t.Fatalf("ack = %+v", ack)
	}

	gw.BroadcastPrice("BTCUSDT", &models.PriceUpdate{Symbol: "BTCUSDT", Price: "70000.00", Ts: 1700000000000})

	env = readEnvelope(t, conn, time.Second)
	if env.Event != EventPriceUpdate {
		t.Fatalf("update event = %q", env.Event)
	}
	var update models.PriceUpdate
	if err := json.Unmarshal(env.Data, &update); err != nil {
		t.Fatalf("update decode: %v", err)
	}
	if update.Symbol != "BTCUSDT" || update.Price != "70000.00" || update.Ts != 1700000000000 {
		t.Errorf("update = %+v", update)
	}
}

func TestSubscribePayloadVariants(t *testing.T) {
	cases := []struct {
		name string
		data interface{}
	}{
		{"object", map[string]string{"symbol": "ethusdt"}},
		{"json string", `{"symbol":"ethusdt"}`},
		{"bare string", "ethusdt"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, srv := startGateway(t)
			conn := dial(t, srv)

			send(t, conn, EventSubscribe, c.data)

			env := readEnvelope(t, conn, time.Second)
			var ack Ack
			if err := json.Unmarshal(env.Data, &ack); err != nil {
				t.Fatalf("ack decode: %v", err)
			}
			if ack.Status != "success" || ack.Symbol != "ETHUSDT" {
				t.Errorf("ack = %+v", ack)
			}
		})
	}
}

func TestSubscribeMissingSymbolIsRejected(t *testing.T) {
	_, srv := startGateway(t)
	conn := dial(t, srv)

	send(t, conn, EventSubscribe, map[string]string{})

	env := readEnvelope(t, conn, time.Second)
	var ack Ack
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		t.Fatalf("ack decode: %v", err)
	}
	if ack.Status != "error" || ack.Message == "" {
		t.Errorf("ack = %+v", ack)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	gw, srv := startGateway(t)
	conn := dial(t, srv)

	send(t, conn, EventSubscribe, map[string]string{"symbol": "BNBUSDT"})
	readEnvelope(t, conn, time.Second)
	waitForRoom(t, gw, "BNBUSDT", 1)

	send(t, conn, EventUnsubscribe, map[string]string{"symbol": "BNBUSDT"})
	env := readEnvelope(t, conn, time.Second)
	if env.Event != EventUnsubscribe {
		t.Fatalf("ack event = %q", env.Event)
	}
	waitForRoom(t, gw, "BNBUSDT", 0)

	// A broadcast after the acknowledged unsubscribe must not reach the client.
	gw.BroadcastPrice("BNBUSDT", &models.PriceUpdate{Symbol: "BNBUSDT", Price: "600", Ts: 1})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("received a frame after unsubscribe")
	}
}

func TestDisconnectClearsAllRooms(t *testing.T) {
	gw, srv := startGateway(t)
	conn := dial(t, srv)

	for _, symbol := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		send(t, conn, EventSubscribe, map[string]string{"symbol": symbol})
		readEnvelope(t, conn, time.Second)
	}
	waitForRoom(t, gw, "SOLUSDT", 1)

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for gw.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if gw.ClientCount() != 0 {
		t.Fatal("client not removed after disconnect")
	}
	for _, symbol := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		if gw.RoomSize(symbol) != 0 {
			t.Errorf("room %s not cleared", symbol)
		}
	}
}

func TestBroadcastKline(t *testing.T) {
	gw, srv := startGateway(t)
	conn := dial(t, srv)

	send(t, conn, EventSubscribe, map[string]string{"symbol": "BTCUSDT"})
	readEnvelope(t, conn, time.Second)
	waitForRoom(t, gw, "BTCUSDT", 1)

	k := &models.Kline{
		Symbol:   "BTCUSDT",
		Interval: "1m",
		OpenTime: 1700000040000,
		Close:    "42",
		IsClosed: false,
	}
	gw.BroadcastKline("BTCUSDT", k)

	env := readEnvelope(t, conn, time.Second)
	if env.Event != EventKlineUpdate {
		t.Fatalf("event = %q", env.Event)
	}
	var got models.Kline
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Close != "42" || got.OpenTime != 1700000040000 {
		t.Errorf("kline = %+v", got)
	}
}

func TestBroadcastToEmptyRoomIsHarmless(t *testing.T) {
	gw, _ := startGateway(t)
	gw.BroadcastPrice("NOSUCH", &models.PriceUpdate{Symbol: "NOSUCH", Price: "1", Ts: 1})
}

func TestParseSymbolPayload(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{`{"symbol":"btcusdt"}`, "BTCUSDT", false},
		{`"{\"symbol\":\"btcusdt\"}"`, "BTCUSDT", false},
		{`"btcusdt"`, "BTCUSDT", false},
		{`{}`, "", true},
		{`""`, "", true},
		{``, "", true},
		{`42`, "", true},
	}
	for _, c := range cases {
		got, err := parseSymbolPayload(json.RawMessage(c.in))
		if c.wantErr {
			if err == nil {
				t.Errorf("parseSymbolPayload(%s) expected error, got %q", c.in, got)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Errorf("parseSymbolPayload(%s) = %q, %v; want %q", c.in, got, err, c.want)
		}
	}
}
