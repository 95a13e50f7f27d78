package docstore

import (
	"context"
	"fmt"
	"time"

	"chart-stream/internal/metrics"
	"chart-stream/internal/models"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// KlineStore persists OHLCV rows in the klines collection. All writes are
// idempotent upserts keyed by (symbol, interval, openTime).
type KlineStore struct {
	col    *mongo.Collection
	logger *logrus.Logger
}

func NewKlineStore(db *mongo.Database, logger *logrus.Logger) *KlineStore {
	return &KlineStore{
		col:    db.Collection("klines"),
		logger: logger,
	}
}

// EnsureIndexes creates the unique key index and the descending query index.
func (s *KlineStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "symbol", Value: 1},
				{Key: "interval", Value: 1},
				{Key: "openTime", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "symbol", Value: 1},
				{Key: "interval", Value: 1},
				{Key: "openTime", Value: -1},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create kline indexes: %w", err)
	}
	return nil
}

// Upsert writes one candle. A row whose isClosed flag is already true is never
// reopened or mutated by a later open update for the same key; such updates
// land on the unique index and are discarded.
func (s *KlineStore) Upsert(ctx context.Context, k *models.Kline) error {
	start := time.Now()
	defer metrics.TrackLatency(start, metrics.StoreWriteLatency.WithLabelValues("upsert"))

	filter := bson.M{
		"symbol":   k.Symbol,
		"interval": k.Interval,
		"openTime": k.OpenTime,
	}
	if !k.IsClosed {
		filter["isClosed"] = bson.M{"$ne": true}
	}

	update := bson.M{"$set": k}

	_, err := s.col.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// The row exists and is closed; the open update is a no-op.
			return nil
		}
		return fmt.Errorf("failed to upsert kline %s: %w", k.Key(), err)
	}
	return nil
}

// BulkUpsert writes many candles in one unordered bulk operation.
func (s *KlineStore) BulkUpsert(ctx context.Context, klines []*models.Kline) error {
	if len(klines) == 0 {
		return nil
	}

	start := time.Now()
	defer metrics.TrackLatency(start, metrics.StoreWriteLatency.WithLabelValues("bulk_upsert"))

	writes := make([]mongo.WriteModel, 0, len(klines))
	for _, k := range klines {
		filter := bson.M{
			"symbol":   k.Symbol,
			"interval": k.Interval,
			"openTime": k.OpenTime,
		}
		if !k.IsClosed {
			filter["isClosed"] = bson.M{"$ne": true}
		}
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(filter).
			SetUpdate(bson.M{"$set": k}).
			SetUpsert(true))
	}

	_, err := s.col.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		if bwe, ok := err.(mongo.BulkWriteException); ok && allDuplicateKey(bwe) {
			return nil
		}
		return fmt.Errorf("failed to bulk upsert %d klines: %w", len(klines), err)
	}
	return nil
}

func allDuplicateKey(bwe mongo.BulkWriteException) bool {
	if len(bwe.WriteErrors) == 0 {
		return false
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != 11000 {
			return false
		}
	}
	return true
}

// GetKlines retrieves candles for (symbol, interval). With a time range the
// result is oldest-first within the range; without one it is the most recent
// limit rows, reversed to ascending order.
func (s *KlineStore) GetKlines(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int64) ([]*models.Kline, error) {
	filter := bson.M{
		"symbol":   symbol,
		"interval": interval,
	}

	ranged := startTime > 0 || endTime > 0
	if ranged {
		timeFilter := bson.M{}
		if startTime > 0 {
			timeFilter["$gte"] = startTime
		}
		if endTime > 0 {
			timeFilter["$lte"] = endTime
		}
		filter["openTime"] = timeFilter
	}

	order := -1
	if ranged {
		order = 1
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "openTime", Value: order}}).
		SetLimit(limit)

	cursor, err := s.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query klines: %w", err)
	}
	defer cursor.Close(ctx)

	var klines []*models.Kline
	if err := cursor.All(ctx, &klines); err != nil {
		return nil, fmt.Errorf("failed to decode klines: %w", err)
	}

	if !ranged {
		// Reverse to chronological order
		for i, j := 0, len(klines)-1; i < j; i, j = i+1, j-1 {
			klines[i], klines[j] = klines[j], klines[i]
		}
	}

	return klines, nil
}

// LatestOpenTime returns the newest stored openTime for the key, or 0 when no
// row exists.
func (s *KlineStore) LatestOpenTime(ctx context.Context, symbol, interval string) (int64, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: "openTime", Value: -1}}).
		SetProjection(bson.M{"openTime": 1})

	var row struct {
		OpenTime int64 `bson:"openTime"`
	}
	err := s.col.FindOne(ctx, bson.M{"symbol": symbol, "interval": interval}, opts).Decode(&row)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to query latest open time: %w", err)
	}
	return row.OpenTime, nil
}

// Count returns the number of stored rows for the key.
func (s *KlineStore) Count(ctx context.Context, symbol, interval string) (int64, error) {
	n, err := s.col.CountDocuments(ctx, bson.M{"symbol": symbol, "interval": interval})
	if err != nil {
		return 0, fmt.Errorf("failed to count klines: %w", err)
	}
	return n, nil
}

// Stats retrieves collection-wide statistics.
func (s *KlineStore) Stats(ctx context.Context) (map[string]interface{}, error) {
	total, err := s.col.EstimatedDocumentCount(ctx)
	if err != nil {
		return nil, err
	}

	symbols, err := s.col.Distinct(ctx, "symbol", bson.M{})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"total_klines":  total,
		"total_symbols": len(symbols),
	}, nil
}
