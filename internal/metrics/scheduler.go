package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const statsTimeout = 2 * time.Second

type schedulerCollector struct {
	src StatsSource

	queued     *prometheus.Desc
	pending    *prometheus.Desc
	seen       *prometheus.Desc
	waiting    *prometheus.Desc
	enqueued   *prometheus.Desc
	direct     *prometheus.Desc
	duplicates *prometheus.Desc
	capacity   *prometheus.Desc
	malformed  *prometheus.Desc
	abandoned  *prometheus.Desc
}

func newSchedulerCollector(src StatsSource) *schedulerCollector {
	return &schedulerCollector{
		src:        src,
		queued:     prometheus.NewDesc("crawler_scheduler_queued", "Requests waiting in the work queue.", nil, nil),
		pending:    prometheus.NewDesc("crawler_scheduler_pending", "Requests handed out and not yet marked done.", nil, nil),
		seen:       prometheus.NewDesc("crawler_scheduler_seen", "Distinct fingerprints admitted.", nil, nil),
		waiting:    prometheus.NewDesc("crawler_scheduler_waiting", "Consumers blocked in Get.", nil, nil),
		enqueued:   prometheus.NewDesc("crawler_scheduler_enqueued_total", "Requests placed in the work queue.", nil, nil),
		direct:     prometheus.NewDesc("crawler_scheduler_direct_deliveries_total", "Requests handed straight to a waiting consumer.", nil, nil),
		duplicates: prometheus.NewDesc("crawler_scheduler_duplicates_total", "Requests rejected as duplicates.", nil, nil),
		capacity:   prometheus.NewDesc("crawler_scheduler_capacity_drops_total", "Requests dropped because the queue was full.", nil, nil),
		malformed:  prometheus.NewDesc("crawler_scheduler_malformed_total", "Requests or work units that could not be decoded.", nil, nil),
		abandoned:  prometheus.NewDesc("crawler_scheduler_abandoned_total", "Queued requests discarded at shutdown.", nil, nil),
	}
}

func (c *schedulerCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.queued, c.pending, c.seen, c.waiting,
		c.enqueued, c.direct, c.duplicates, c.capacity, c.malformed, c.abandoned,
	} {
		ch <- d
	}
}

func (c *schedulerCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()
	stats := c.src.Stats(ctx)

	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	counter := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	if stats.Queued >= 0 {
		gauge(c.queued, stats.Queued)
	}
	gauge(c.pending, stats.Pending)
	gauge(c.seen, stats.Seen)
	gauge(c.waiting, stats.Waiting)
	counter(c.enqueued, stats.Enqueued)
	counter(c.direct, stats.DirectDeliveries)
	counter(c.duplicates, stats.Duplicates)
	counter(c.capacity, stats.CapacityDrops)
	counter(c.malformed, stats.Malformed)
	counter(c.abandoned, stats.Abandoned)
}
