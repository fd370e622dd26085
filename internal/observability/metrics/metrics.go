// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsArmed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "animebot_scheduler_armed_jobs",
		Help: "Timers and recurring entries currently armed in memory.",
	})
	JobsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "animebot_scheduler_fired_total",
		Help: "Scheduled jobs fired, by job kind.",
	}, []string{"kind"})
	RehydrateSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "animebot_scheduler_rehydrate_skipped_total",
		Help: "Ledger rows skipped during rehydration because they were malformed.",
	})
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "animebot_engine_tasks_total",
		Help: "Engine task executions, by outcome.",
	}, []string{"outcome"})
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "animebot_deliveries_total",
		Help: "Chat deliveries, by result (ok, destination_gone, rate_limited, other).",
	}, []string{"result"})
	DigestGroups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "animebot_digest_groups_total",
		Help: "Digest sweep outcomes per group.",
	}, []string{"outcome"})
	ReleaseAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "animebot_release_alerts_total",
		Help: "New release detector outcomes per (user, candidate) pair.",
	}, []string{"outcome"})
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "animebot_chat_requests_total",
		Help: "Handled commands and callbacks, by route and outcome (ok, error, timeout, panic).",
	}, []string{"route", "outcome"})
	MetadataRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "animebot_metadata_requests_total",
		Help: "External metadata gateway requests, by result.",
	}, []string{"result"})
)
