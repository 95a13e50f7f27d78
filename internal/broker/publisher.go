package broker

import (
	"context"
	"encoding/json"

	"chart-stream/internal/metrics"
	"chart-stream/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// ChannelPrefix is the broker channel namespace for price events. Publishers
// write to prices:<SYMBOL>; subscribers pattern-match prices:*.
const ChannelPrefix = "prices:"

// Publisher publishes price events to the broker. Publishing is
// fire-and-forget: broker failures are logged and never block the feed.
type Publisher struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewPublisher(client *redis.Client, logger *logrus.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger,
	}
}

// PublishPrice publishes a price event on prices:<SYMBOL>.
func (p *Publisher) PublishPrice(ctx context.Context, event *models.PriceEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(err).Error("Failed to encode price event")
		return
	}

	if err := p.client.Publish(ctx, ChannelPrefix+event.Symbol, data).Err(); err != nil {
		p.logger.WithError(err).Debugf("Failed to publish price for %s", event.Symbol)
		metrics.PublishFailures.WithLabelValues("price").Inc()
		return
	}
	metrics.PublishSuccess.WithLabelValues("price").Inc()
}

// Ping reports broker reachability for the health surface.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
