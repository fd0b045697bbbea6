package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scheduler metrics
	CheckTicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alarm_check_ticks_total",
			Help: "Total number of rule-check ticks executed",
		},
	)

	CheckTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alarm_check_tick_duration_seconds",
			Help:    "Wall time of one rule-check tick",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	RulesChecked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alarm_rules_checked",
			Help: "Number of enabled rules evaluated in the last tick",
		},
	)

	RuleCheckPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alarm_rule_check_panics_total",
			Help: "Rule checks aborted by a recovered panic",
		},
	)

	// Value fetch metrics
	ValueFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarm_value_fetch_total",
			Help: "Value source reads by outcome",
		},
		[]string{"status"}, // ok, missing, invalid, unavailable
	)

	ValueFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alarm_value_fetch_duration_seconds",
			Help:    "Latency of value source reads including pool wait",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
	)

	FetchPoolBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alarm_fetch_pool_busy_workers",
			Help: "Fetch workers currently blocked on the value source",
		},
	)

	// Lifecycle metrics
	AlertTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarm_alert_transitions_total",
			Help: "Alert lifecycle transitions by kind",
		},
		[]string{"transition"}, // triggered, updated, recovered, forced
	)

	LifecycleErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarm_lifecycle_errors_total",
			Help: "Failed alert store operations during lifecycle transitions",
		},
		[]string{"operation"},
	)

	ActiveAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alarm_active_alerts",
			Help: "Active alert count at the last snapshot",
		},
	)

	// Notification metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarm_notifications_total",
			Help: "Sink deliveries by sink and result",
		},
		[]string{"sink", "type", "result"}, // result: success, failure
	)

	NotificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alarm_notification_duration_seconds",
			Help:    "Latency of a single sink delivery",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"sink"},
	)
)
