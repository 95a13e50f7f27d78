package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"chart-stream/internal/gateway"
	"chart-stream/internal/history"
	"chart-stream/internal/models"
	"chart-stream/internal/queue"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Health probes for the external collaborators the service depends on.
type FeedStatus interface {
	Connected() bool
}

type BrokerStatus interface {
	Connected() bool
}

// StatsStore exposes collection-wide statistics.
type StatsStore interface {
	Stats(ctx context.Context) (map[string]interface{}, error)
}

// Server wires the HTTP surface: health, history reads, metrics, and the
// /prices websocket namespace.
type Server struct {
	history *history.Service
	gateway *gateway.Gateway
	feed    FeedStatus
	broker  BrokerStatus
	queue   *queue.Queue
	store   StatsStore
	logger  *logrus.Logger
}

func New(
	historySvc *history.Service,
	gw *gateway.Gateway,
	feed FeedStatus,
	broker BrokerStatus,
	q *queue.Queue,
	store StatsStore,
	logger *logrus.Logger,
) *Server {
	return &Server{
		history: historySvc,
		gateway: gw,
		feed:    feed,
		broker:  broker,
		queue:   q,
		store:   store,
		logger:  logger,
	}
}

// Router builds the gin engine with CORS for the configured frontend origin.
func (s *Server) Router(frontendURL string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if frontendURL == "*" || frontendURL == "" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = []string{frontendURL}
	}
	r.Use(cors.New(corsCfg))

	r.GET("/health", s.handleHealth)
	r.GET("/history", s.handleHistory)
	r.GET("/stats", s.handleStats)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/prices", gin.WrapF(s.gateway.Handle))

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
		"upstream":  gin.H{"connected": s.feed.Connected()},
		"broker":    gin.H{"connected": s.broker.Connected()},
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if stats, err := s.queue.Stats(ctx); err == nil {
		resp["queue"] = stats
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleHistory(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "symbol is required"})
		return
	}
	symbol = models.NormalizeSymbol(symbol)

	interval := c.Query("interval")
	if !models.IsValidInterval(interval) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "interval must be one of the supported intervals"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > history.MaxKlinesPerRequest {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "limit must be an integer in [1,1000]"})
			return
		}
		limit = n
	}

	startTime, ok := parseMillis(c, "startTime")
	if !ok {
		return
	}
	endTime, ok := parseMillis(c, "endTime")
	if !ok {
		return
	}

	klines, err := s.history.GetHistoricalKlines(c.Request.Context(), symbol, interval, startTime, endTime, limit)
	if err != nil {
		s.logger.WithError(err).Warnf("History read failed for %s %s", symbol, interval)
		c.JSON(historyStatus(err), gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"symbol":   symbol,
		"interval": interval,
		"count":    len(klines),
		"data":     klines,
	})
}

func parseMillis(c *gin.Context, name string) (int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": name + " must be a millisecond timestamp"})
		return 0, false
	}
	return n, true
}

// historyStatus maps service errors to HTTP statuses: 400 validation,
// 404 unknown symbol, 429 rate limited, 502 upstream failure, 500 otherwise.
func historyStatus(err error) int {
	switch {
	case errors.Is(err, history.ErrInvalidInterval):
		return http.StatusBadRequest
	case errors.Is(err, history.ErrSymbolNotFound):
		return http.StatusNotFound
	case errors.Is(err, history.ErrTooManyRequests):
		return http.StatusTooManyRequests
	case errors.Is(err, history.ErrBadGateway):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
