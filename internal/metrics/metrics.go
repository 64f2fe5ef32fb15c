package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of live dialog tasks.
type ActiveCallsProvider interface {
	ActiveCallCount() int
}

// ScheduledCallCounter returns scheduled-call counts grouped by status.
type ScheduledCallCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// PhoneCallCounter returns phone-call counts grouped by status.
type PhoneCallCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// EntryCounter returns the total number of journal entries.
type EntryCounter interface {
	CountAll(ctx context.Context) (int64, error)
}

// Collector is a prometheus.Collector that gathers VoxJournal metrics at
// scrape time. Any provider may be nil if unavailable.
type Collector struct {
	activeCalls ActiveCallsProvider
	scheduled   ScheduledCallCounter
	calls       PhoneCallCounter
	entries     EntryCounter
	startTime   time.Time

	// Metric descriptors.
	activeCallsDesc    *prometheus.Desc
	scheduledCallsDesc *prometheus.Desc
	callsTotalDesc     *prometheus.Desc
	entriesTotalDesc   *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(
	activeCalls ActiveCallsProvider,
	scheduled ScheduledCallCounter,
	calls PhoneCallCounter,
	entries EntryCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		scheduled:   scheduled,
		calls:       calls,
		entries:     entries,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			"voxjournal_active_calls",
			"Number of live dialog tasks",
			nil, nil,
		),
		scheduledCallsDesc: prometheus.NewDesc(
			"voxjournal_scheduled_calls",
			"Scheduled calls by status",
			[]string{"status"}, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"voxjournal_phone_calls_total",
			"Phone calls by status",
			[]string{"status"}, nil,
		),
		entriesTotalDesc: prometheus.NewDesc(
			"voxjournal_journal_entries_total",
			"Total journal entries created",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voxjournal_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.scheduledCallsDesc
	ch <- c.callsTotalDesc
	ch <- c.entriesTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.ActiveCallCount()),
		)
	}

	if c.scheduled != nil {
		counts, err := c.scheduled.CountByStatus(ctx)
		if err != nil {
			slog.Error("metrics: failed to count scheduled calls", "error", err)
		} else {
			for status, n := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.scheduledCallsDesc, prometheus.GaugeValue,
					float64(n), status,
				)
			}
		}
	}

	if c.calls != nil {
		counts, err := c.calls.CountByStatus(ctx)
		if err != nil {
			slog.Error("metrics: failed to count phone calls", "error", err)
		} else {
			for status, n := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(n), status,
				)
			}
		}
	}

	if c.entries != nil {
		n, err := c.entries.CountAll(ctx)
		if err != nil {
			slog.Error("metrics: failed to count journal entries", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.entriesTotalDesc, prometheus.CounterValue, float64(n),
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

var _ prometheus.Collector = (*Collector)(nil)
