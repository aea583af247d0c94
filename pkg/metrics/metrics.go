package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Job 执行耗时（毫秒）
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triage_job_duration_ms",
			Help:    "Job execution latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~40s
		},
		[]string{"queue", "status"},
	)

	// Job 结果计数
	JobResultCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_job_result_count",
			Help: "Total number of job executions by outcome",
		},
		[]string{"queue", "result"}, // result: completed, retried, failed
	)

	// 推理服务调用延迟（毫秒）
	InferenceCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inference_call_latency_ms",
			Help:    "Inference service call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"operation", "status"},
	)

	// 邮箱 API 调用延迟（毫秒）
	MailCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mail_call_latency_ms",
			Help:    "Mail provider call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		},
		[]string{"operation", "status"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	// 慢查询计数
	DBSlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_count",
			Help: "Total number of queries slower than the configured threshold",
		},
		[]string{"operation"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// 邮件处理计数
	EmailProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_processed_count",
			Help: "Total number of emails moved through a pipeline stage",
		},
		[]string{"stage", "status"}, // stage: fetched, analyzed, responded
	)

	// 调度结果计数
	SchedulingResultCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_scheduling_result_count",
			Help: "Total number of enqueue attempts by queue and result",
		},
		[]string{"queue", "result"}, // result: scheduled, duplicate, failed
	)

	// 死信发布计数
	DeadLetterCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_dead_letter_count",
			Help: "Total number of terminally failed jobs recorded",
		},
		[]string{"queue", "sink"},
	)
)

// IncrementSchedulingResult 记录一次入队结果
func IncrementSchedulingResult(queue, result string) {
	SchedulingResultCount.WithLabelValues(queue, result).Inc()
}

// RecordJobDuration 记录 job 执行耗时
func RecordJobDuration(queue, status string, duration time.Duration) {
	JobDuration.WithLabelValues(queue, status).Observe(float64(duration.Milliseconds()))
}

// IncrementJobResult 增加 job 结果计数
func IncrementJobResult(queue, result string) {
	JobResultCount.WithLabelValues(queue, result).Inc()
}

// RecordInferenceCallLatency 记录推理调用延迟
func RecordInferenceCallLatency(operation, status string, duration time.Duration) {
	InferenceCallLatency.WithLabelValues(operation, status).Observe(float64(duration.Milliseconds()))
}

// RecordMailCallLatency 记录邮箱 API 调用延迟
func RecordMailCallLatency(operation, status string, duration time.Duration) {
	MailCallLatency.WithLabelValues(operation, status).Observe(float64(duration.Milliseconds()))
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// IncrementSlowQuery 增加慢查询计数
func IncrementSlowQuery(operation string) {
	DBSlowQueryCount.WithLabelValues(operation).Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementEmailProcessed 增加邮件处理计数
func IncrementEmailProcessed(stage, status string) {
	EmailProcessedCount.WithLabelValues(stage, status).Inc()
}

// IncrementDeadLetter 增加死信计数
func IncrementDeadLetter(queue, sink string) {
	DeadLetterCount.WithLabelValues(queue, sink).Inc()
}

// StatusLabel maps an error to the status label used across histograms.
func StatusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
