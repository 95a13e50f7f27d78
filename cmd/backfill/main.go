package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"chart-stream/internal/config"
	"chart-stream/internal/docstore"
	"chart-stream/internal/history"
	"chart-stream/internal/models"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	// Command line flags
	symbol := flag.String("symbol", "", "Trading symbol (e.g., BTCUSDT)")
	intervals := flag.String("intervals", "1h,4h,1d", "Comma-separated intervals or 'all'")
	days := flag.Int("days", 30, "How many days of history to backfill")
	flag.Parse()

	if *symbol == "" {
		fmt.Println("Error: -symbol is required")
		flag.Usage()
		os.Exit(1)
	}

	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	intervalList := parseIntervals(*intervals)
	for _, interval := range intervalList {
		if !models.IsValidInterval(interval) {
			logger.Fatalf("Unsupported interval %q", interval)
		}
	}

	ctx := context.Background()

	// Connect to MongoDB
	mongoCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	mongoClient, err := mongo.Connect(mongoCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	cancel()
	if err != nil {
		logger.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())

	store := docstore.NewKlineStore(mongoClient.Database(cfg.Mongo.DatabaseName()), logger)
	if err := store.EnsureIndexes(ctx); err != nil {
		logger.Fatalf("Failed to ensure indexes: %v", err)
	}

	restClient := history.NewRestClient(cfg.Binance.RESTBase, logger)

	sym := models.NormalizeSymbol(*symbol)
	endTime := time.Now().UnixMilli()
	startTime := time.Now().AddDate(0, 0, -*days).UnixMilli()

	logger.Infof("🚀 Backfilling %s: %v (%d days)", sym, intervalList, *days)

	for _, interval := range intervalList {
		if err := backfillInterval(ctx, store, restClient, sym, interval, startTime, endTime, logger); err != nil {
			logger.WithError(err).Errorf("Backfill failed for %s %s", sym, interval)
		}
	}

	logger.Info("✅ Backfill completed")
}

// backfillInterval pages through the upstream history from startTime to
// endTime and upserts every batch.
func backfillInterval(ctx context.Context, store *docstore.KlineStore, rest *history.RestClient, symbol, interval string, startTime, endTime int64, logger *logrus.Logger) error {
	step := models.IntervalDuration(interval).Milliseconds()
	expected := int((endTime - startTime) / step)
	if expected < 1 {
		expected = 1
	}

	bar := progressbar.NewOptions(expected,
		progressbar.OptionSetDescription(fmt.Sprintf("Backfilling %s %s", symbol, interval)),
		progressbar.OptionSetWidth(50),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
	)

	cursor := startTime
	total := 0

	for cursor < endTime {
		klines, err := rest.GetKlines(ctx, symbol, interval, cursor, endTime, history.MaxKlinesPerRequest)
		if err != nil {
			return err
		}
		if len(klines) == 0 {
			break
		}

		if err := store.BulkUpsert(ctx, klines); err != nil {
			return err
		}

		total += len(klines)
		_ = bar.Add(len(klines))

		last := klines[len(klines)-1]
		if last.OpenTime <= cursor && cursor != startTime {
			break
		}
		cursor = last.OpenTime + 1

		// Pace page fetches to respect upstream rate limits.
		time.Sleep(200 * time.Millisecond)
	}

	_ = bar.Finish()
	fmt.Println()
	logger.Infof("Imported %d klines for %s %s", total, symbol, interval)
	return nil
}

func parseIntervals(input string) []string {
	if input == "all" {
		return models.ValidIntervals()
	}

	intervals := strings.Split(input, ",")
	for i := range intervals {
		intervals[i] = strings.TrimSpace(intervals[i])
	}
	return intervals
}
