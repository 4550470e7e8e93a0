// SPDX-FileCopyrightText: Copyright (C) 2025  The Velum Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	cellsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "velum_channel_sent_cells_total",
			Help: "Number of cells sent over channels",
		},
	)
	cellsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "velum_channel_received_cells_total",
			Help: "Number of cells received over channels",
		},
	)
	unknownCircuitCells = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "velum_channel_unknown_circuit_cells_total",
			Help: "Number of cells dropped for lack of a matching circuit",
		},
	)
	channelsTornDown = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "velum_channel_teardowns_total",
			Help: "Number of channels torn down",
		},
	)
)

func init() {
	prometheus.MustRegister(cellsSent)
	prometheus.MustRegister(cellsReceived)
	prometheus.MustRegister(unknownCircuitCells)
	prometheus.MustRegister(channelsTornDown)
}
