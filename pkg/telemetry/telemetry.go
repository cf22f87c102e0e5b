// Package telemetry exposes Prometheus metrics for the account portal.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AuthAttempts counts validated auth attempts by protocol and outcome.
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "accountd",
		Name:      "auth_attempts_total",
		Help:      "Authentication attempts by protocol and outcome.",
	}, []string{"protocol", "outcome"})

	// RateLimitRejections counts requests refused by the rate limiter.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "accountd",
		Name:      "rate_limit_rejections_total",
		Help:      "Requests refused because a rate limit window was active.",
	}, []string{"protocol", "operation"})

	// AccountRenewals counts completed access renewals by trigger.
	AccountRenewals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "accountd",
		Name:      "account_renewals_total",
		Help:      "Account expire extensions by trigger (manual or auto).",
	}, []string{"trigger"})

	// EmailsSent counts notification emails by kind and result.
	EmailsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "accountd",
		Name:      "emails_sent_total",
		Help:      "Notification emails by kind and delivery result.",
	}, []string{"kind", "result"})

	// CacheRefreshes counts file mark cache writes by cache name.
	CacheRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "accountd",
		Name:      "cache_refreshes_total",
		Help:      "File mark cache writes by cache name.",
	}, []string{"cache"})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
