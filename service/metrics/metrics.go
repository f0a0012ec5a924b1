package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "chatcore"
)

var (
	// 在线会话数
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "sessions",
		Help:      "Live websocket sessions",
	})

	// 入站事件
	InboundEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "inbound_events_total",
		Help:      "Inbound events by type and result",
	}, []string{"type", "result"})

	// 会话发送缓冲满被踢
	SlowConsumerKicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "slow_consumer_kicks_total",
		Help:      "Sessions closed because their send buffer was full",
	})

	MessagesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "message",
		Name:      "persisted_total",
		Help:      "Messages durably stored",
	}, []string{"kind"})

	PersistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "failures_total",
		Help:      "Store operations that failed after retries",
	}, []string{"op"})

	// 状态推进（delivered/read）
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "message",
		Name:      "status_transitions_total",
		Help:      "Applied status transitions",
	}, []string{"kind", "status"})

	BacklogDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "message",
		Name:      "backlog_delivered_total",
		Help:      "Messages delivered by reconnect backlog sweeps",
	})

	PushResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "results_total",
		Help:      "Push notification outcomes",
	}, []string{"driver", "result"})

	PresenceBroadcastFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "presence",
		Name:      "broadcast_failures_total",
		Help:      "Per-recipient presence notifications that failed",
	})

	CleanupRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "attachment",
		Name:      "cleanup_total",
		Help:      "Temporary attachments processed by cleanup",
	}, []string{"result"})
)

// Handler /metrics
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) { h.ServeHTTP(c.Writer, c.Request) }
}
