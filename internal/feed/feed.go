package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chart-stream/internal/metrics"
	"chart-stream/internal/models"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	reconnectBase = 1 * time.Second
	reconnectCap  = 30 * time.Second
	maxAttempts   = 10
)

// PriceHandler receives every decoded price event.
type PriceHandler func(event *models.PriceEvent)

// KlineHandler receives the candle carried by kline events, alongside the
// derived price event.
type KlineHandler func(kline *models.Kline, event *models.PriceEvent)

// UpstreamFeed owns the single websocket connection to the exchange
// combined-stream endpoint. It decodes the recognized event variants and
// hands them to the registered handlers; everything else is dropped.
type UpstreamFeed struct {
	wsBase  string
	streams []string
	logger  *logrus.Logger

	onPrice PriceHandler
	onKline KlineHandler

	conn      *websocket.Conn
	connMu    sync.Mutex
	connected atomic.Bool
	attempts  int

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

func NewUpstreamFeed(wsBase string, streams []string, logger *logrus.Logger) *UpstreamFeed {
	return &UpstreamFeed{
		wsBase:   wsBase,
		streams:  streams,
		logger:   logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// OnPrice registers the price event handler. Must be called before Start.
func (f *UpstreamFeed) OnPrice(h PriceHandler) { f.onPrice = h }

// OnKline registers the kline handler. Must be called before Start.
func (f *UpstreamFeed) OnKline(h KlineHandler) { f.onKline = h }

// Connected reports whether the upstream socket is currently open.
func (f *UpstreamFeed) Connected() bool {
	return f.connected.Load()
}

// URL builds the combined-stream endpoint for the configured streams.
func (f *UpstreamFeed) URL() string {
	return fmt.Sprintf("%s/stream?streams=%s", f.wsBase, strings.Join(f.streams, "/"))
}

// Start runs the connection manager until Stop is called or the reconnect
// budget is exhausted.
func (f *UpstreamFeed) Start(ctx context.Context) {
	go f.run(ctx)
}

func (f *UpstreamFeed) run(ctx context.Context) {
	defer close(f.doneChan)

	for {
		select {
		case <-f.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := f.connect(ctx); err != nil {
			if !f.backoff(ctx, err) {
				return
			}
			continue
		}

		f.listen(ctx)

		if f.stopped() {
			return
		}
		if !f.backoff(ctx, fmt.Errorf("connection closed")) {
			return
		}
	}
}

// Stop closes the upstream connection and waits for the reader to exit.
func (f *UpstreamFeed) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopChan)
		f.connMu.Lock()
		if f.conn != nil {
			f.conn.Close()
		}
		f.connMu.Unlock()
	})
	<-f.doneChan
}

func (f *UpstreamFeed) stopped() bool {
	select {
	case <-f.stopChan:
		return true
	default:
		return false
	}
}

// backoff counts a failed attempt, sleeps min(base * 2^(attempts-1), 30s) and
// reports whether another attempt is allowed. Past the cap the connection is
// abandoned.
func (f *UpstreamFeed) backoff(ctx context.Context, cause error) bool {
	f.attempts++
	metrics.FeedReconnects.Inc()

	if f.attempts > maxAttempts {
		f.logger.WithError(cause).Errorf("Upstream feed abandoned after %d attempts", maxAttempts)
		return false
	}

	delay := reconnectDelay(f.attempts)
	f.logger.WithError(cause).Warnf("Upstream feed reconnecting in %v (attempt %d/%d)", delay, f.attempts, maxAttempts)

	select {
	case <-f.stopChan:
		return false
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// reconnectDelay computes min(base * 2^(attempt-1), cap).
func reconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := reconnectBase << uint(attempt-1)
	if delay > reconnectCap || delay <= 0 {
		delay = reconnectCap
	}
	return delay
}

func (f *UpstreamFeed) connect(ctx context.Context) error {
	url := f.URL()
	f.logger.Infof("🔌 Connecting to upstream feed: %s", url)

	dialer := &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial upstream: %w", err)
	}

	// Respond to every upstream ping with a pong; no application-level
	// heartbeat is sent.
	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	f.attempts = 0
	f.connected.Store(true)
	metrics.FeedConnected.Set(1)
	f.logger.Infof("✅ Upstream feed connected (%d streams)", len(f.streams))
	return nil
}

func (f *UpstreamFeed) listen(ctx context.Context) {
	defer func() {
		f.connected.Store(false)
		metrics.FeedConnected.Set(0)
		f.connMu.Lock()
		if f.conn != nil {
			f.conn.Close()
			f.conn = nil
		}
		f.connMu.Unlock()
	}()

	for {
		select {
		case <-f.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		f.connMu.Lock()
		conn := f.conn
		f.connMu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if !f.stopped() {
				f.logger.WithError(err).Warn("Upstream read failed")
			}
			return
		}

		f.handleFrame(message)
	}
}

// handleFrame decodes one combined-stream frame. Decode failures drop the
// frame without disconnecting.
func (f *UpstreamFeed) handleFrame(message []byte) {
	var frame streamFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		metrics.FeedDecodeDrops.Inc()
		f.logger.WithError(err).Debug("Dropping undecodable upstream frame")
		return
	}
	if len(frame.Data) == 0 {
		// Subscription acks and other control responses have no data field.
		return
	}

	event, kline, err := decodeEvent(frame.Data)
	if err != nil {
		metrics.FeedDecodeDrops.Inc()
		f.logger.WithError(err).Debugf("Dropping undecodable event on %s", frame.Stream)
		return
	}
	if event == nil {
		var probe eventProbe
		_ = json.Unmarshal(frame.Data, &probe)
		f.logger.Debugf("Ignoring unknown upstream event type %q on %s", probe.EventType, frame.Stream)
		return
	}

	metrics.FeedMessages.WithLabelValues(event.Source).Inc()

	// A priceUpdate derived from a kline is delivered after the kline itself.
	if kline != nil && f.onKline != nil {
		f.onKline(kline, event)
	}
	if f.onPrice != nil {
		f.onPrice(event)
	}
}
