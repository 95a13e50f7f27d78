package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"chart-stream/internal/metrics"
	"chart-stream/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// MaxKlinesPerRequest is the upstream per-request row cap.
const MaxKlinesPerRequest = 1000

// binanceInvalidSymbol is the upstream error code -1121, "Invalid symbol".
const binanceInvalidSymbol = -1121

// RestClient fetches historical klines from the upstream REST endpoint. A
// token-bucket limiter paces requests so bursts of cache misses cannot trip
// the upstream rate limits.
type RestClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

func NewRestClient(baseURL string, logger *logrus.Logger) *RestClient {
	return &RestClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		logger:  logger,
	}
}

// GetKlines fetches up to limit candles for (symbol, interval). Zero
// startTime/endTime leave the range unbounded.
func (c *RestClient) GetKlines(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]*models.Kline, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	if limit <= 0 || limit > MaxKlinesPerRequest {
		limit = MaxKlinesPerRequest
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	if startTime > 0 {
		params.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	if endTime > 0 {
		params.Set("endTime", strconv.FormatInt(endTime, 10))
	}

	reqURL := fmt.Sprintf("%s/api/v3/klines?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadGateway, err)
	}
	defer resp.Body.Close()
	metrics.TrackLatency(start, metrics.UpstreamRequestLatency)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrBadGateway, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.rejectionError(resp.StatusCode, body)
	}

	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("%w: undecodable kline response: %v", ErrBadGateway, err)
	}

	klines := make([]*models.Kline, 0, len(rows))
	for i, row := range rows {
		k, err := decodeKlineRow(row, symbol, interval)
		if err != nil {
			c.logger.WithError(err).Warnf("Skipping malformed kline row %d for %s %s", i, symbol, interval)
			continue
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// rejectionError maps upstream non-2xx responses to sentinel errors:
// 429 -> TooManyRequests, invalid-symbol -> SymbolNotFound, else BadGateway.
func (c *RestClient) rejectionError(status int, body []byte) error {
	if status == http.StatusTooManyRequests {
		return ErrTooManyRequests
	}

	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Code == binanceInvalidSymbol {
		return ErrSymbolNotFound
	}

	return fmt.Errorf("%w: upstream returned %d", ErrBadGateway, status)
}

// decodeKlineRow decodes the positional array encoding:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume, trades,
// takerBuyBaseVolume, takerBuyQuoteVolume, _ignored]. Rows fetched over REST
// are final, so isClosed is true.
func decodeKlineRow(row []interface{}, symbol, interval string) (*models.Kline, error) {
	if len(row) < 11 {
		return nil, fmt.Errorf("kline row has %d fields, want >= 11", len(row))
	}

	openTime, err := asInt64(row[0])
	if err != nil {
		return nil, fmt.Errorf("openTime: %w", err)
	}
	closeTime, err := asInt64(row[6])
	if err != nil {
		return nil, fmt.Errorf("closeTime: %w", err)
	}
	trades, err := asInt64(row[8])
	if err != nil {
		return nil, fmt.Errorf("trades: %w", err)
	}

	k := &models.Kline{
		Symbol:    models.NormalizeSymbol(symbol),
		Interval:  interval,
		OpenTime:  openTime,
		CloseTime: closeTime,
		Trades:    trades,
		IsClosed:  true,
	}

	fields := []struct {
		idx  int
		dst  *string
		name string
	}{
		{1, &k.Open, "open"},
		{2, &k.High, "high"},
		{3, &k.Low, "low"},
		{4, &k.Close, "close"},
		{5, &k.Volume, "volume"},
		{7, &k.QuoteVolume, "quoteVolume"},
		{9, &k.TakerBuyBaseVolume, "takerBuyBaseVolume"},
		{10, &k.TakerBuyQuoteVolume, "takerBuyQuoteVolume"},
	}
	for _, f := range fields {
		s, ok := row[f.idx].(string)
		if !ok {
			return nil, fmt.Errorf("%s: not a string", f.name)
		}
		// Values stay strings end-to-end; parsing only validates them.
		if _, err := decimal.NewFromString(s); err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = s
	}

	k.EnsureCloseTime()
	return k, nil
}

func asInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}
