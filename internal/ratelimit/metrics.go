package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	decisionAllowed  = "allowed"
	decisionDenied   = "denied"
	decisionBypassed = "bypassed"
)

// Prometheus метрики rate limiter
var (
	// decisionsTotal — решения limiter по категориям. При выключенном limiter
	// каждый вызов учитывается как bypassed.
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rib_rate_limit_decisions_total",
			Help: "Количество решений rate limiter по категориям",
		},
		[]string{"scope", "decision"},
	)

	// trackedKeys — число ключей после последней очистки.
	trackedKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rib_rate_limit_keys",
		Help: "Количество отслеживаемых ключей rate limiter после последней очистки",
	})
)
