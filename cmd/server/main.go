package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chart-stream/internal/broker"
	"chart-stream/internal/config"
	"chart-stream/internal/docstore"
	"chart-stream/internal/feed"
	"chart-stream/internal/gateway"
	"chart-stream/internal/history"
	"chart-stream/internal/models"
	"chart-stream/internal/queue"
	"chart-stream/internal/server"
	"chart-stream/internal/throttle"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var version = "1.0.0"

// klineTick pairs a candle with the price event derived from it so both ride
// one throttle slot and emit in a fixed order: klineUpdate, then priceUpdate.
type klineTick struct {
	kline *models.Kline
	event *models.PriceEvent
}

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	logger.Info("Starting chart-stream service...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: ", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: ", err)
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Initialize MongoDB (document store)
	logger.Info("Connecting to MongoDB...")
	mongoCtx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
	mongoClient, err := mongo.Connect(mongoCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	cancel()
	if err != nil {
		logger.Fatal("Failed to connect to MongoDB: ", err)
	}
	defer mongoClient.Disconnect(context.Background())

	pingCtx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
	if err := mongoClient.Ping(pingCtx, nil); err != nil {
		cancel()
		logger.Fatal("MongoDB ping failed: ", err)
	}
	cancel()
	logger.Info("MongoDB connected successfully")

	store := docstore.NewKlineStore(mongoClient.Database(cfg.Mongo.DatabaseName()), logger)
	if err := store.EnsureIndexes(rootCtx); err != nil {
		logger.Fatal("Failed to ensure kline indexes: ", err)
	}

	// Initialize Redis: one connection for publishing and queue work, one
	// dedicated to the pattern subscription.
	logger.Info("Connecting to Redis...")
	pubClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := pubClient.Ping(rootCtx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis: ", err)
	}
	defer pubClient.Close()

	subClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer subClient.Close()
	logger.Info("Redis connected successfully")

	// Initialize job queue and persistence worker
	jobQueue := queue.NewQueue(pubClient, cfg.Queue.PriceQueueName, logger)
	worker := queue.NewWorker(jobQueue, logger)
	worker.Register(queue.KindPersistPrice, queue.NewPersistPriceHandler(logger))
	worker.Start(rootCtx)

	// Initialize history service and seeder
	restClient := history.NewRestClient(cfg.Binance.RESTBase, logger)
	historySvc := history.NewService(
		store,
		restClient,
		cfg.History.FreshnessMultiplier,
		cfg.History.DefaultKlinesLimit,
		cfg.History.MaxKlinesLimit,
		logger,
	)

	seedCfg := history.LoadSeedConfigWithFallback(cfg.History.SeedSymbolsFile)
	seedCfg.Limit = cfg.History.SeedLimit
	seeder := history.NewSeeder(store, restClient, seedCfg, logger)
	go seeder.Run(rootCtx)

	// Initialize downstream gateway and broker clients
	gw := gateway.NewGateway(cfg.Server.FrontendURL, logger)
	publisher := broker.NewPublisher(pubClient, logger)

	replicaID := replicaID()
	subscriber := broker.NewSubscriber(subClient, gw, replicaID, logger)
	go subscriber.Run(rootCtx)

	// Throttled emission pipelines. Gateway writes never block; broker, queue
	// and store calls run off the feed reader goroutine.
	priceBroadcast := throttle.NewBroadcaster("price_broadcast", throttle.PriceBroadcastInterval,
		func(_ string, v interface{}) {
			event := v.(*models.PriceEvent)
			gw.BroadcastPrice(event.Symbol, event.Update())
			go publisher.PublishPrice(rootCtx, event)
		})

	// A kline and the price event derived from it emit from one callback so
	// the priceUpdate never overtakes its klineUpdate, matching the order the
	// broker subscriber uses for remote events.
	klineBroadcast := throttle.NewBroadcaster("kline_broadcast", throttle.KlineBroadcastInterval,
		func(_ string, v interface{}) {
			tick := v.(*klineTick)
			gw.BroadcastKline(tick.kline.Symbol, tick.kline)
			gw.BroadcastPrice(tick.event.Symbol, tick.event.Update())
			go publisher.PublishPrice(rootCtx, tick.event)
		})

	pricePersist := throttle.NewBroadcaster("price_persist", throttle.PricePersistInterval,
		func(_ string, v interface{}) {
			event := v.(*models.PriceEvent)
			go func() {
				record := &queue.PricePersistRecord{
					Symbol: event.Symbol,
					Price:  event.Price,
					Ts:     event.Ts,
					Source: event.Source,
				}
				if _, err := jobQueue.Enqueue(rootCtx, queue.KindPersistPrice, record); err != nil {
					logger.WithError(err).Debug("Failed to enqueue persistPrice job")
				}
			}()
		})

	klinePersist := throttle.NewBroadcaster("kline_persist", throttle.KlinePersistInterval,
		func(_ string, v interface{}) {
			k := v.(*models.Kline)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := historySvc.UpsertKline(ctx, k); err != nil {
					logger.WithError(err).Warnf("Failed to upsert kline %s", k.Key())
				}
			}()
		})

	// Initialize upstream feed and wire it into the pipelines
	upstream := feed.NewUpstreamFeed(cfg.Binance.WSBase, cfg.Binance.Streams, logger)
	upstream.OnKline(func(k *models.Kline, event *models.PriceEvent) {
		event.Origin = replicaID
		key := throttle.KlineKey(k.Symbol, k.Interval)
		klineBroadcast.Offer(key, &klineTick{kline: k, event: event})
		if k.IsClosed {
			// A closed candle is persisted on first observation.
			klinePersist.Bypass(key, k)
		} else {
			klinePersist.Offer(key, k)
		}
	})
	upstream.OnPrice(func(event *models.PriceEvent) {
		event.Origin = replicaID
		if event.Source != models.SourceKline {
			// Kline-derived price events broadcast with their candle.
			priceBroadcast.Offer(event.Symbol, event)
		}
		pricePersist.Offer(event.Symbol, event)
	})
	upstream.Start(rootCtx)

	// Start HTTP server
	srv := server.New(historySvc, gw, upstream, subscriber, jobQueue, store, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.Router(cfg.Server.FrontendURL),
	}

	httpErrChan := make(chan error, 1)
	go func() {
		logger.Infof("HTTP server listening on :%d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrChan <- err
		}
	}()

	logger.Infof("chart-stream v%s started successfully (replica %s)", version, replicaID)

	// Wait for shutdown signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case err := <-httpErrChan:
		logger.WithError(err).Error("HTTP server error")
	}

	logger.Info("Shutting down gracefully...")

	// Shutdown order: feed first, then flush armed throttle timers so
	// coalesced tails go out, then broker clients, then drain the queue.
	upstream.Stop()

	priceBroadcast.Flush()
	klineBroadcast.Flush()
	pricePersist.Flush()
	klinePersist.Flush()

	rootCancel()

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	worker.Stop(drainCtx)
	cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = httpServer.Shutdown(shutdownCtx)
	cancel()

	logger.Info("Shutdown complete")
}

// replicaID identifies this process on the broker so its subscriber can skip
// events it published itself.
func replicaID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "chart-stream"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
}
