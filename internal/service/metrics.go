package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	saleTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retailops_sale_transitions_total",
		Help: "Sale status transition attempts by target status and outcome.",
	}, []string{"to", "outcome"})

	guardRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retailops_guard_rejections_total",
		Help: "Requests refused because a precondition was false.",
	}, []string{"op"})

	warningsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retailops_partial_success_warnings_total",
		Help: "Operations that committed but reported a follow-up failure.",
	}, []string{"op"})

	storeUnavailableTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retailops_store_unavailable_total",
		Help: "Store calls that timed out or failed to connect.",
	}, []string{"op"})
)
