package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// PricePersistRecord is the payload of persistPrice jobs.
type PricePersistRecord struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Ts     int64  `json:"ts"` // ms
	Source string `json:"source"`
}

// NewPersistPriceHandler returns the persistPrice sink. It writes one
// structured record per (symbol, ts); re-delivery produces a value-identical
// record, which keeps the handler idempotent under retries.
func NewPersistPriceHandler(logger *logrus.Logger) HandlerFunc {
	return func(ctx context.Context, job *Job) error {
		var record PricePersistRecord
		if err := json.Unmarshal(job.Payload, &record); err != nil {
			return fmt.Errorf("failed to decode persistPrice payload: %w", err)
		}
		if record.Symbol == "" || record.Ts == 0 {
			return fmt.Errorf("persistPrice payload missing symbol or ts")
		}

		logger.WithFields(logrus.Fields{
			"symbol": record.Symbol,
			"price":  record.Price,
			"ts":     record.Ts,
			"source": record.Source,
		}).Info("Persisted price event")
		return nil
	}
}
