package history

import (
	"context"
	"time"

	"chart-stream/internal/metrics"
	"chart-stream/internal/models"

	"github.com/sirupsen/logrus"
)

// Store is the slice of the document store the service reads and warms.
type Store interface {
	Upsert(ctx context.Context, k *models.Kline) error
	BulkUpsert(ctx context.Context, klines []*models.Kline) error
	GetKlines(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int64) ([]*models.Kline, error)
	LatestOpenTime(ctx context.Context, symbol, interval string) (int64, error)
	Count(ctx context.Context, symbol, interval string) (int64, error)
}

// Upstream fetches candles from the exchange REST endpoint.
type Upstream interface {
	GetKlines(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]*models.Kline, error)
}

// Service serves historical candle ranges DB-first, falling back to the
// upstream REST endpoint on short or stale results, and absorbs candle
// upserts from the stream path.
type Service struct {
	store    Store
	upstream Upstream
	logger   *logrus.Logger

	freshnessMultiplier int
	maxLimit            int
	defaultLimit        int

	// now is swappable for tests.
	now func() time.Time
}

func NewService(store Store, upstream Upstream, freshnessMultiplier, defaultLimit, maxLimit int, logger *logrus.Logger) *Service {
	if freshnessMultiplier <= 0 {
		freshnessMultiplier = 3
	}
	if defaultLimit <= 0 {
		defaultLimit = 500
	}
	if maxLimit <= 0 || maxLimit > MaxKlinesPerRequest {
		maxLimit = MaxKlinesPerRequest
	}
	return &Service{
		store:               store,
		upstream:            upstream,
		logger:              logger,
		freshnessMultiplier: freshnessMultiplier,
		maxLimit:            maxLimit,
		defaultLimit:        defaultLimit,
		now:                 time.Now,
	}
}

// UpsertKline absorbs one candle from the stream path.
func (s *Service) UpsertKline(ctx context.Context, k *models.Kline) error {
	return s.store.Upsert(ctx, k)
}

// GetHistoricalKlines returns up to limit candles for (symbol, interval),
// oldest-first. Zero startTime/endTime leave the range unbounded.
//
// The store is consulted first; the upstream is hit when the store returns
// fewer than limit rows, or when an unbounded read's newest row is older than
// freshnessMultiplier interval durations. Upstream rows are returned
// immediately and written back to the store in the background.
func (s *Service) GetHistoricalKlines(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]*models.Kline, error) {
	symbol = models.NormalizeSymbol(symbol)
	if !models.IsValidInterval(interval) {
		return nil, ErrInvalidInterval
	}
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}

	stored, err := s.store.GetKlines(ctx, symbol, interval, startTime, endTime, int64(limit))
	if err != nil {
		s.logger.WithError(err).Warnf("Store read failed for %s %s, falling through to upstream", symbol, interval)
		stored = nil
	}

	if s.servableFromStore(stored, interval, limit, startTime, endTime) {
		metrics.RecordHistoryAccess("db", true)
		return stored, nil
	}
	metrics.RecordHistoryAccess("db", false)

	fetched, err := s.upstream.GetKlines(ctx, symbol, interval, startTime, endTime, limit)
	if err != nil {
		return nil, err
	}
	metrics.RecordHistoryAccess("upstream", true)

	// Warm the store for the next identical read; the caller never waits on
	// this write.
	if len(fetched) > 0 {
		go s.warmStore(symbol, interval, fetched)
	}

	return fetched, nil
}

// servableFromStore applies the row-count and freshness policy.
func (s *Service) servableFromStore(rows []*models.Kline, interval string, limit int, startTime, endTime int64) bool {
	if len(rows) < limit {
		return false
	}

	ranged := startTime > 0 || endTime > 0
	if ranged {
		return true
	}

	latest := rows[len(rows)-1]
	maxAge := time.Duration(s.freshnessMultiplier) * models.IntervalDuration(interval)
	return s.now().UnixMilli()-latest.OpenTime <= maxAge.Milliseconds()
}

func (s *Service) warmStore(symbol, interval string, klines []*models.Kline) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.store.BulkUpsert(ctx, klines); err != nil {
		s.logger.WithError(err).Warnf("Failed to warm store with %d klines for %s %s", len(klines), symbol, interval)
		return
	}
	s.logger.Debugf("Warmed store with %d klines for %s %s", len(klines), symbol, interval)
}
