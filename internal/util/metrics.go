package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersReplayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_replayed_total",
		Help: "Total number of order requests answered from an earlier order with the same idempotency key",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed order placements",
	}, []string{"code"})

	OrdersPricePendingTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_price_pending_total",
		Help: "Total number of orders created with a pending price",
	})

	OrdersUpdatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_updated_total",
		Help: "Total number of admin order updates",
	}, []string{"status"})

	OrderPlacementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_placement_latency_seconds",
		Help:    "Latency of the order placement workflow",
		Buckets: prometheus.DefBuckets,
	})

	StockReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_reserve_latency_seconds",
		Help:    "Latency of reserving stock for all items of an order",
		Buckets: prometheus.DefBuckets,
	})

	StockCompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_compensations_total",
		Help: "Total number of stock restores after a failed placement",
	}, []string{"result"})

	OrderIDCollisionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_id_collisions_total",
		Help: "Total number of generated order ids that were already taken",
	})

	AuditWriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_write_failures_total",
		Help: "Total number of audit entries that could not be written",
	})

	OrderEventsPublishFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_events_publish_failed_total",
		Help: "Total number of order events that could not be published",
	}, []string{"event_type"})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "http_rate_limited_total",
		Help: "Total number of requests rejected by the rate limiter",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
