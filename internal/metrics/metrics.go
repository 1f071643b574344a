// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package metrics collects prometheus counters for device I/O. A nil
// *IOMetrics is valid everywhere and records nothing, so callers that run
// without the metrics endpoint pay nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// IOMetrics counts device reads and writes, transferred bytes and failed
// operations.
type IOMetrics struct {
	reads      prometheus.Counter
	writes     prometheus.Counter
	readBytes  prometheus.Counter
	writeBytes prometheus.Counter
	failures   *prometheus.CounterVec
}

// NewIOMetrics registers the device I/O collectors with reg and returns the
// handle to feed observations into.
func NewIOMetrics(reg prometheus.Registerer) *IOMetrics {
	return &IOMetrics{
		reads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "bdev_reads_total",
			Help: "Total number of device read operations.",
		}),
		writes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "bdev_writes_total",
			Help: "Total number of device write operations.",
		}),
		readBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "bdev_read_bytes_total",
			Help: "Total bytes returned to callers by device reads.",
		}),
		writeBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "bdev_write_bytes_total",
			Help: "Total bytes accepted from callers by device writes.",
		}),
		failures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "bdev_io_failures_total",
			Help: "Total failed device operations by kind.",
		}, []string{"op"}),
	}
}

// ObserveRead records the outcome of one device read.
func (m *IOMetrics) ObserveRead(n int64, err error) {
	if m == nil {
		return
	}

	m.reads.Inc()
	if err != nil {
		m.failures.WithLabelValues("read").Inc()
		return
	}
	m.readBytes.Add(float64(n))
}

// ObserveWrite records the outcome of one device write.
func (m *IOMetrics) ObserveWrite(n int64, err error) {
	if m == nil {
		return
	}

	m.writes.Inc()
	if err != nil {
		m.failures.WithLabelValues("write").Inc()
		return
	}
	m.writeBytes.Add(float64(n))
}
