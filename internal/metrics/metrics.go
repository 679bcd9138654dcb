// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CheckIns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dismissal",
		Name:      "checkins_total",
		Help:      "Check-in requests by method and outcome.",
	}, []string{"method", "outcome"})

	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dismissal",
		Name:      "transitions_total",
		Help:      "Queue entry transitions by action and result (changed, noop, rejected).",
	}, []string{"action", "result"})

	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dismissal",
		Name:      "events_published_total",
		Help:      "Broadcast events published by name.",
	}, []string{"event"})

	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dismissal",
		Name:      "events_dropped_total",
		Help:      "Events not delivered to a subscriber because its buffer was full.",
	}, []string{"backend"})

	EventsObserved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dismissal",
		Name:      "events_observed_total",
		Help:      "Events seen by the worker tail, by name.",
	}, []string{"event"})

	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dismissal",
		Name:      "stream_subscribers",
		Help:      "Open event stream connections.",
	})

	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dismissal",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	})

	SessionsPaused = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dismissal",
		Name:      "janitor_sessions_paused_total",
		Help:      "Stale sessions paused by the janitor.",
	})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dismissal",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

func init() {
	prometheus.MustRegister(
		CheckIns,
		Transitions,
		EventsPublished,
		EventsDropped,
		EventsObserved,
		Subscribers,
		RateLimited,
		SessionsPaused,
		RequestDuration,
	)
}

// GinMiddleware records request latency keyed by the matched route pattern.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		RequestDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
