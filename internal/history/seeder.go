package history

import (
	"context"
	"time"

	"chart-stream/internal/models"

	"github.com/sirupsen/logrus"
)

const (
	// skipThreshold: a key already holding this share of the seed limit is
	// considered seeded.
	skipThreshold = 0.9

	seedPaceOK   = 200 * time.Millisecond
	seedPaceFail = 500 * time.Millisecond
)

// Seeder backfills the seed matrix on startup. It runs in the background and
// its failures never prevent service startup or other requests.
type Seeder struct {
	store    Store
	upstream Upstream
	cfg      *SeedConfig
	logger   *logrus.Logger
}

func NewSeeder(store Store, upstream Upstream, cfg *SeedConfig, logger *logrus.Logger) *Seeder {
	if cfg == nil {
		cfg = DefaultSeedConfig()
	}
	return &Seeder{
		store:    store,
		upstream: upstream,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run walks the symbol x interval matrix, pacing upstream requests to respect
// rate limits (200ms between combinations, 500ms after a failure).
func (s *Seeder) Run(ctx context.Context) {
	s.logger.Infof("🌱 Seeding %d symbols x %d intervals (%d candles each)",
		len(s.cfg.Symbols), len(s.cfg.Intervals), s.cfg.Limit)

	seeded, skipped, failed := 0, 0, 0

	for _, symbol := range s.cfg.Symbols {
		symbol = models.NormalizeSymbol(symbol)
		for _, interval := range s.cfg.Intervals {
			if ctx.Err() != nil {
				s.logger.Info("Seeder stopped")
				return
			}

			pace := seedPaceOK
			switch err := s.seedOne(ctx, symbol, interval); {
			case err == errSeedSkipped:
				skipped++
			case err != nil:
				failed++
				pace = seedPaceFail
				s.logger.WithError(err).Warnf("Seed failed for %s %s", symbol, interval)
			default:
				seeded++
			}

			select {
			case <-ctx.Done():
				s.logger.Info("Seeder stopped")
				return
			case <-time.After(pace):
			}
		}
	}

	s.logger.Infof("✅ Seeding complete: %d seeded, %d skipped, %d failed", seeded, skipped, failed)
}

// errSeedSkipped marks a key that already holds enough rows.
var errSeedSkipped = errSentinel("seed skipped")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }

func (s *Seeder) seedOne(ctx context.Context, symbol, interval string) error {
	count, err := s.store.Count(ctx, symbol, interval)
	if err != nil {
		return err
	}
	if float64(count) >= skipThreshold*float64(s.cfg.Limit) {
		return errSeedSkipped
	}

	latest, err := s.store.LatestOpenTime(ctx, symbol, interval)
	if err != nil {
		return err
	}

	startTime := int64(0)
	if latest > 0 {
		startTime = latest + 1
	}

	klines, err := s.upstream.GetKlines(ctx, symbol, interval, startTime, 0, s.cfg.Limit)
	if err != nil {
		return err
	}
	if len(klines) == 0 {
		return nil
	}

	if err := s.store.BulkUpsert(ctx, klines); err != nil {
		return err
	}

	s.logger.Debugf("Seeded %d klines for %s %s", len(klines), symbol, interval)
	return nil
}
