package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// tasksFinished execution attempts by kind and outcome
	tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devmonkey_tasks_finished_total",
		Help: "The total number of task execution attempts by outcome",
	}, []string{"kind", "outcome"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "devmonkey_task_duration_seconds",
		Help:    "Wall-clock duration of task execution attempts",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"kind"})

	// unitErrors per-unit failures that did not abort the task
	unitErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devmonkey_task_unit_errors_total",
		Help: "The total number of skipped units of work by error kind",
	}, []string{"kind", "error"})

	rateLimitWait = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devmonkey_rate_limit_wait_seconds_total",
		Help: "Seconds spent waiting for remote rate limits to expire",
	})
)
