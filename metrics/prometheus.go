package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TradeSim Metrics Collector
// Provides metrics for monitoring the simulation server

var (
	// Singleton collector
	collector     *Collector
	collectorOnce sync.Once
)

// Collector holds all simulation server metrics
type Collector struct {
	// Order metrics
	OrdersTotal  *prometheus.CounterVec
	OrderLatency *prometheus.HistogramVec

	// Matching engine metrics
	MatchingLatency *prometheus.HistogramVec
	BookDepth       *prometheus.GaugeVec

	// Trade metrics
	TradesTotal *prometheus.CounterVec
	TradeVolume *prometheus.CounterVec

	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionsTotal    *prometheus.CounterVec
	ScriptedCommands *prometheus.CounterVec
	AuctionBids      *prometheus.CounterVec
	PrivilegeGrants  *prometheus.CounterVec

	// Event bus metrics
	EventsPublished    *prometheus.CounterVec
	SubscribersDropped *prometheus.CounterVec

	// Persistence metrics
	PersistDropped prometheus.Counter

	// WebSocket metrics
	WSConnectionsActive prometheus.Gauge
	WSMessagesTotal     *prometheus.CounterVec

	// API metrics
	APIRequestsTotal  *prometheus.CounterVec
	APIRequestLatency *prometheus.HistogramVec
	RateLimitHits     *prometheus.CounterVec
}

// GetCollector returns the singleton metrics collector
func GetCollector() *Collector {
	collectorOnce.Do(func() {
		collector = newCollector()
	})
	return collector
}

func newCollector() *Collector {
	c := &Collector{}

	c.OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradesim",
			Subsystem: "orders",
			Name:      "total",
			Help:      "Total number of orders submitted",
		},
		[]string{"symbol", "side", "type", "status"},
	)

	c.OrderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tradesim",
			Subsystem: "orders",
			Name:      "latency_ms",
			Help:      "Order processing latency in milliseconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 50, 100},
		},
		[]string{"type"},
	)

	c.MatchingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tradesim",
			Subsystem: "matching",
			Name:      "latency_ms",
			Help:      "Matching engine latency in milliseconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 50},
		},
		[]string{"symbol"},
	)

	c.BookDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tradesim",
			Subsystem: "matching",
			Name:      "book_depth",
			Help:      "Price levels per side in the published depth",
		},
		[]string{"symbol", "side"},
	)

	c.TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradesim",
			Subsystem: "trades",
			Name:      "total",
			Help:      "Total number of trades executed",
		},
		[]string{"symbol"},
	)

	c.TradeVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradesim",
			Subsystem: "trades",
			Name:      "volume",
			Help:      "Total traded quantity",
		},
		[]string{"symbol"},
	)

	c.SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tradesim",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of live sessions",
		},
	)

	c.SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradesim",
			Subsystem: "sessions",
			Name:      "total",
			Help:      "Session lifecycle transitions by state",
		},
		[]string{"state"},
	)

	c.ScriptedCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradesim",
			Subsystem: "sessions",
			Name:      "scripted_commands_total",
			Help:      "Scripted commands executed",
		},
		[]string{"command"},
	)

	c.AuctionBids = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradesim",
			Subsystem: "sessions",
			Name:      "auction_bids_total",
			Help:      "Privilege auction bids accepted",
		},
		[]string{"privilege"},
	)

	c.PrivilegeGrants = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradesim",
			Subsystem: "sessions",
			Name:      "privilege_grants_total",
			Help:      "Privilege grants applied",
		},
		[]string{"category"},
	)

	c.EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradesim",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published to session buses",
		},
		[]string{"type"},
	)

	c.SubscribersDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradesim",
			Subsystem: "events",
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers disconnected for falling behind",
		},
		[]string{"session"},
	)

	c.PersistDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tradesim",
			Subsystem: "store",
			Name:      "dropped_total",
			Help:      "Persistence writes dropped under backpressure",
		},
	)

	c.WSConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tradesim",
			Subsystem: "ws",
			Name:      "connections_active",
			Help:      "Open WebSocket connections",
		},
	)

	c.WSMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradesim",
			Subsystem: "ws",
			Name:      "messages_total",
			Help:      "WebSocket messages sent",
		},
		[]string{"type"},
	)

	c.APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradesim",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "API requests served",
		},
		[]string{"method", "path", "status"},
	)

	c.APIRequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tradesim",
			Subsystem: "api",
			Name:      "request_latency_ms",
			Help:      "API request latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
		},
		[]string{"method", "path"},
	)

	c.RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradesim",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected by the rate limiter",
		},
		[]string{"path"},
	)

	c.registerAll()
	return c
}

func (c *Collector) registerAll() {
	prometheus.MustRegister(c.OrdersTotal)
	prometheus.MustRegister(c.OrderLatency)
	prometheus.MustRegister(c.MatchingLatency)
	prometheus.MustRegister(c.BookDepth)
	prometheus.MustRegister(c.TradesTotal)
	prometheus.MustRegister(c.TradeVolume)
	prometheus.MustRegister(c.SessionsActive)
	prometheus.MustRegister(c.SessionsTotal)
	prometheus.MustRegister(c.ScriptedCommands)
	prometheus.MustRegister(c.AuctionBids)
	prometheus.MustRegister(c.PrivilegeGrants)
	prometheus.MustRegister(c.EventsPublished)
	prometheus.MustRegister(c.SubscribersDropped)
	prometheus.MustRegister(c.PersistDropped)
	prometheus.MustRegister(c.WSConnectionsActive)
	prometheus.MustRegister(c.WSMessagesTotal)
	prometheus.MustRegister(c.APIRequestsTotal)
	prometheus.MustRegister(c.APIRequestLatency)
	prometheus.MustRegister(c.RateLimitHits)
}

// ============ Recording Helpers ============

// RecordOrder records an order submission outcome
func (c *Collector) RecordOrder(symbol, side, orderType, status string) {
	c.OrdersTotal.WithLabelValues(symbol, side, orderType, status).Inc()
}

// RecordOrderLatency records end-to-end order submission latency
func (c *Collector) RecordOrderLatency(orderType string, latencyMs float64) {
	c.OrderLatency.WithLabelValues(orderType).Observe(latencyMs)
}

// RecordTrade records a trade execution
func (c *Collector) RecordTrade(symbol string, quantity int64) {
	c.TradesTotal.WithLabelValues(symbol).Inc()
	c.TradeVolume.WithLabelValues(symbol).Add(float64(quantity))
}

// RecordMatchingLatency records matching engine latency
func (c *Collector) RecordMatchingLatency(symbol string, latencyMs float64) {
	c.MatchingLatency.WithLabelValues(symbol).Observe(latencyMs)
}

// RecordBookDepth records the published level counts for one book
func (c *Collector) RecordBookDepth(symbol string, bids, asks int) {
	c.BookDepth.WithLabelValues(symbol, "buy").Set(float64(bids))
	c.BookDepth.WithLabelValues(symbol, "sell").Set(float64(asks))
}

// RecordSessionCreated records a new live session
func (c *Collector) RecordSessionCreated() {
	c.SessionsActive.Inc()
	c.SessionsTotal.WithLabelValues("created").Inc()
}

// RecordSessionClosed records a reaped session with its terminal state
func (c *Collector) RecordSessionClosed(state string) {
	c.SessionsActive.Dec()
	c.SessionsTotal.WithLabelValues(state).Inc()
}

// RecordScriptedCommand records a scripted or instructor command
func (c *Collector) RecordScriptedCommand(command string) {
	c.ScriptedCommands.WithLabelValues(command).Inc()
}

// RecordAuctionBid records an accepted privilege auction bid
func (c *Collector) RecordAuctionBid(privilegeName string) {
	c.AuctionBids.WithLabelValues(privilegeName).Inc()
}

// RecordPrivilegeGrant records an applied privilege grant
func (c *Collector) RecordPrivilegeGrant(category string) {
	c.PrivilegeGrants.WithLabelValues(category).Inc()
}

// RecordPersistDropped records a persistence write lost to backpressure
func (c *Collector) RecordPersistDropped() {
	c.PersistDropped.Inc()
}

// RecordAPIRequest records an API request
func (c *Collector) RecordAPIRequest(method, path, status string, latencyMs float64) {
	c.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.APIRequestLatency.WithLabelValues(method, path).Observe(latencyMs)
}

// RecordRateLimitHit records a rate-limited request
func (c *Collector) RecordRateLimitHit(path string) {
	c.RateLimitHits.WithLabelValues(path).Inc()
}

// RecordWSConnection records WebSocket connection changes
func (c *Collector) RecordWSConnection(delta int) {
	c.WSConnectionsActive.Add(float64(delta))
}

// RecordWSMessage records a WebSocket message sent
func (c *Collector) RecordWSMessage(msgType string) {
	c.WSMessagesTotal.WithLabelValues(msgType).Inc()
}

// RecordEventPublished records an event published to a session bus
func (c *Collector) RecordEventPublished(eventType string) {
	c.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordSubscriberDropped records a slow subscriber disconnect
func (c *Collector) RecordSubscriberDropped(sessionID string) {
	c.SubscribersDropped.WithLabelValues(sessionID).Inc()
}

// ============ HTTP Handler ============

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for measuring operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ElapsedMs returns elapsed time in milliseconds
func (t *Timer) ElapsedMs() float64 {
	return float64(time.Since(t.start).Microseconds()) / 1000.0
}
