package web

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	analysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geostage_analyses_total",
		Help: "Completed structural analyses by detected content kind.",
	}, []string{"kind"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geostage_pipeline_transitions_total",
		Help: "Applied pipeline transitions by action and resulting stage.",
	}, []string{"action", "stage"})
)
