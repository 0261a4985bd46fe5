package circuit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cellsInMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "onionwire",
		Subsystem: "circuit",
		Name:      "cells_in_total",
		Help:      "Relay cells received and decrypted on origin circuits.",
	})
	cellsOutMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "onionwire",
		Subsystem: "circuit",
		Name:      "cells_out_total",
		Help:      "Relay cells encrypted and handed to the link.",
	})
	sendmesSentMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "onionwire",
		Subsystem: "circuit",
		Name:      "sendmes_sent_total",
		Help:      "Circuit-level SENDMEs originated.",
	})
	sendmesReceivedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "onionwire",
		Subsystem: "circuit",
		Name:      "sendmes_received_total",
		Help:      "Circuit-level SENDMEs accepted.",
	})
	violationsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "onionwire",
		Subsystem: "circuit",
		Name:      "protocol_violations_total",
		Help:      "Peer protocol violations that tore a circuit down.",
	})
	teardownsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "onionwire",
		Subsystem: "circuit",
		Name:      "teardowns_total",
		Help:      "Circuits torn down for any reason.",
	})
)
