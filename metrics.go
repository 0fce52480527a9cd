package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	signalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_signals_total",
		Help: "Webhook signals received, labelled by outcome.",
	}, []string{"outcome"})

	runsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trade_runs_in_flight",
		Help: "Trade runs currently being executed.",
	})
)
