// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "molequeue_connections_open",
			Help: "Number of client connections currently accepted on the local endpoint",
		})

	requestsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "molequeue_rpc_requests_total",
			Help: "RPC requests dispatched, labelled by method",
		},
		[]string{"method"},
	)

	jobStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "molequeue_jobs",
			Help: "Jobs currently known to the registry, labelled by state",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(connectionsOpen)
	prometheus.MustRegister(requestsProcessed)
	prometheus.MustRegister(jobStates)
}
