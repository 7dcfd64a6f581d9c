package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_requests_total",
			Help: "Total number of completion requests by terminal state",
		},
		[]string{"tenant", "provider", "model", "state"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routegate_request_duration_seconds",
			Help:    "Completion request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"tenant", "provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_tokens_total",
			Help: "Total tokens accounted by direction",
		},
		[]string{"tenant", "provider", "model", "direction"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_cost_usd_total",
			Help: "Total accounted cost in USD",
		},
		[]string{"tenant", "provider", "model"},
	)

	PolicyRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_policy_rejections_total",
			Help: "Requests rejected at admission",
		},
		[]string{"tenant", "reason"},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_upstream_errors_total",
			Help: "Upstream provider failures after dispatch",
		},
		[]string{"provider"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "routegate_active_streams",
			Help: "Number of in-flight streaming relays",
		},
	)

	BudgetUsageRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routegate_budget_usage_ratio",
			Help: "Tenant spend over budget (0-1, may exceed 1)",
		},
		[]string{"tenant"},
	)
)

func RecordRequest(tenant, provider, model, state string, durationSec float64) {
	RequestsTotal.WithLabelValues(tenant, provider, model, state).Inc()
	RequestDuration.WithLabelValues(tenant, provider, model).Observe(durationSec)
}

func RecordTokens(tenant, provider, model string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(tenant, provider, model, "input").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(tenant, provider, model, "output").Add(float64(completionTokens))
}

func RecordCost(tenant, provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(tenant, provider, model).Add(costUSD)
}

func RecordPolicyRejection(tenant, reason string) {
	PolicyRejections.WithLabelValues(tenant, reason).Inc()
}

func RecordUpstreamError(provider string) {
	UpstreamErrors.WithLabelValues(provider).Inc()
}

func SetBudgetUsage(tenant string, ratio float64) {
	BudgetUsageRatio.WithLabelValues(tenant).Set(ratio)
}
