package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Group outcome metrics
	GroupsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mail_dispatch_groups_processed_total",
		Help: "Total number of recipient groups that reached a terminal state, by status",
	}, []string{"status"})
	GroupsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mail_dispatch_groups_failed_total",
		Help: "Total number of failed recipient groups by stage and error kind",
	}, []string{"stage", "kind"})
	RecordsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mail_dispatch_records_dropped_total",
		Help: "Total number of records dropped because the identity field was missing",
	})
	GroupDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mail_dispatch_group_duration_seconds",
		Help:    "Time spent handling one recipient group from validation to cleanup",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	// Run metrics
	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mail_dispatch_runs_total",
		Help: "Total number of dispatch runs by result (completed, interrupted, fatal)",
	}, []string{"result"})
	RunInProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mail_dispatch_run_in_progress",
		Help: "1 while a dispatch run is in progress",
	})
	ThrottleWaitSeconds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mail_dispatch_throttle_wait_seconds_total",
		Help: "Total time spent waiting between sends",
	})

	// Attachment metrics
	AttachmentsBuilt = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mail_dispatch_attachments_built_total",
		Help: "Total number of attachments written",
	})
	AttachmentCleanupFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mail_dispatch_attachment_cleanup_failures_total",
		Help: "Total number of attachments that could not be removed",
	})

	// Mail metrics
	MailSendSuccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mail_dispatch_mail_send_success_total",
		Help: "Total number of successful mail sends",
	}, []string{"host"})
	MailSendFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mail_dispatch_mail_send_failure_total",
		Help: "Total number of failed mail sends after all retries",
	}, []string{"host", "kind"})
	MailRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mail_dispatch_mail_retries_total",
		Help: "Total number of mail send retries",
	}, []string{"host"})

	// Audit metrics
	AuditSinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mail_dispatch_audit_sink_errors_total",
		Help: "Total number of audit events a sink failed to write",
	}, []string{"sink", "error_type"})
)

func init() {
	prometheus.MustRegister(GroupsProcessed)
	prometheus.MustRegister(GroupsFailed)
	prometheus.MustRegister(RecordsDropped)
	prometheus.MustRegister(GroupDuration)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunInProgress)
	prometheus.MustRegister(ThrottleWaitSeconds)
	prometheus.MustRegister(AttachmentsBuilt)
	prometheus.MustRegister(AttachmentCleanupFailures)
	prometheus.MustRegister(MailSendSuccess)
	prometheus.MustRegister(MailSendFailure)
	prometheus.MustRegister(MailRetries)
	prometheus.MustRegister(AuditSinkErrors)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
