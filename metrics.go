package ftr

import (
	"sync/atomic"

	"github.com/peterbourgon/ftr/internal/ftrdebug"
	"github.com/prometheus/client_golang/prometheus"
)

// NewCollector returns a Prometheus collector exposing process-wide capture
// counters, across every session.
func NewCollector() prometheus.Collector {
	counter := func(name, help string, v *atomic.Uint64) counterMetric {
		return counterMetric{
			desc:  prometheus.NewDesc(prometheus.BuildFQName("ftr", "", name), help, nil, nil),
			value: v,
		}
	}
	return &collector{
		counters: []counterMetric{
			counter("raw_events_total", "Raw events delivered by hooks.", &ftrdebug.Capture.Events),
			counter("frame_events_total", "Frame events buffered.", &ftrdebug.Capture.Emitted),
			counter("suppressed_events_total", "Events excluded by a rule.", &ftrdebug.Capture.Suppressed),
			counter("disabled_code_total", "Code locations disabled.", &ftrdebug.Capture.Disabled),
			counter("dropped_events_total", "Frame events lost to an internal error.", &ftrdebug.Capture.Dropped),
			counter("processor_errors_total", "Processor failures.", &ftrdebug.Capture.ProcessorErrors),
			counter("line_events_total", "Variable assignments captured.", &ftrdebug.Capture.LineEvents),
			counter("traces_saved_total", "Traces written to a sink.", &ftrdebug.Save.Saved),
			counter("traces_failed_total", "Traces that couldn't be saved.", &ftrdebug.Save.Failed),
			counter("trace_bytes_total", "Encoded bytes of saved traces.", &ftrdebug.Save.Bytes),
		},
		reuse: prometheus.NewDesc(
			"ftr_frame_pool_reuse_percent",
			"Percent of frame documents reused from the pool.",
			nil, nil,
		),
	}
}

type counterMetric struct {
	desc  *prometheus.Desc
	value *atomic.Uint64
}

type collector struct {
	counters []counterMetric
	reuse    *prometheus.Desc
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, cm := range c.counters {
		ch <- cm.desc
	}
	ch <- c.reuse
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, cm := range c.counters {
		ch <- prometheus.MustNewConstMetric(cm.desc, prometheus.CounterValue, float64(cm.value.Load()))
	}
	ch <- prometheus.MustNewConstMetric(c.reuse, prometheus.GaugeValue, ftrdebug.FramePool.ReusePercent())
}
