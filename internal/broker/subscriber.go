package broker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"chart-stream/internal/feed"
	"chart-stream/internal/metrics"
	"chart-stream/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Gateway is the slice of the downstream gateway the subscriber needs to fan
// out remote events locally.
type Gateway interface {
	BroadcastPrice(symbol string, update *models.PriceUpdate)
	BroadcastKline(symbol string, kline *models.Kline)
}

// Subscriber pattern-subscribes to prices:* and replays every remote event
// into the local gateway, making cross-replica fan-out transparent.
type Subscriber struct {
	client    *redis.Client
	gateway   Gateway
	replicaID string
	logger    *logrus.Logger
	connected atomic.Bool
}

func NewSubscriber(client *redis.Client, gateway Gateway, replicaID string, logger *logrus.Logger) *Subscriber {
	return &Subscriber{
		client:    client,
		gateway:   gateway,
		replicaID: replicaID,
		logger:    logger,
	}
}

// Connected reports whether the pattern subscription is currently live.
func (s *Subscriber) Connected() bool {
	return s.connected.Load()
}

// Run consumes the pattern subscription until ctx is canceled, re-subscribing
// after broker failures with delay = min(retries*100ms, 3s).
func (s *Subscriber) Run(ctx context.Context) {
	retries := 0

	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := s.client.PSubscribe(ctx, ChannelPrefix+"*")

		// Wait for the subscription confirmation before declaring liveness.
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			retries++
			delay := reconnectDelay(retries)
			s.logger.WithError(err).Warnf("Broker subscribe failed, retrying in %v", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		retries = 0
		s.connected.Store(true)
		metrics.BrokerConnected.Set(1)
		s.logger.Info("✅ Broker subscriber listening on prices:*")

		ch := pubsub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				s.connected.Store(false)
				metrics.BrokerConnected.Set(0)
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				s.handleMessage(msg)
			}
		}

		pubsub.Close()
		s.connected.Store(false)
		metrics.BrokerConnected.Set(0)

		retries++
		delay := reconnectDelay(retries)
		s.logger.Warnf("Broker subscription lost, reconnecting in %v", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func reconnectDelay(retries int) time.Duration {
	delay := time.Duration(retries) * 100 * time.Millisecond
	if delay > 3*time.Second {
		delay = 3 * time.Second
	}
	return delay
}

// handleMessage parses a broker message as a PriceEvent and hands it to the
// local gateway exactly as if it had come from the local feed. Events this
// replica published itself were already fanned out locally and are skipped.
func (s *Subscriber) handleMessage(msg *redis.Message) {
	var event models.PriceEvent
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		s.logger.WithError(err).Debugf("Dropping undecodable broker message on %s", msg.Channel)
		return
	}

	if event.Origin != "" && event.Origin == s.replicaID {
		return
	}

	if kline := feed.KlineFromRaw(event.Raw); kline != nil {
		s.gateway.BroadcastKline(kline.Symbol, kline)
	}
	s.gateway.BroadcastPrice(event.Symbol, event.Update())
}
