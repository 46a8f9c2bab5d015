package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueInspector reads queue depth and consumer count through a passive
// declare, so no management API access is needed
type QueueInspector interface {
	InspectQueue(ctx context.Context, name string) (amqp.Queue, error)
}

// QueueDepthCollector is a prometheus.Collector that inspects the given
// queues on every scrape
type QueueDepthCollector struct {
	inspector QueueInspector
	queues    []string
	timeout   time.Duration
	logger    *slog.Logger

	messages  *prometheus.Desc
	consumers *prometheus.Desc
	up        *prometheus.Desc
}

// NewQueueDepthCollector creates a collector for the given queues
func NewQueueDepthCollector(inspector QueueInspector, queues []string, logger *slog.Logger) *QueueDepthCollector {
	if logger == nil {
		logger = slog.Default()
	}

	return &QueueDepthCollector{
		inspector: inspector,
		queues:    queues,
		timeout:   2 * time.Second,
		logger:    logger,
		messages: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "messages"),
			"Ready messages in the queue",
			[]string{"queue"}, nil),
		consumers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "consumers"),
			"Consumers attached to the queue",
			[]string{"queue"}, nil),
		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "up"),
			"Whether the last inspection of the queue succeeded",
			[]string{"queue"}, nil),
	}
}

// Describe implements prometheus.Collector
func (c *QueueDepthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messages
	ch <- c.consumers
	ch <- c.up
}

// Collect implements prometheus.Collector
func (c *QueueDepthCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for _, name := range c.queues {
		queue, err := c.inspector.InspectQueue(ctx, name)
		if err != nil {
			c.logger.Debug("queue inspection failed", "queue", name, "error", err)
			ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0, name)
			continue
		}

		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1, name)
		ch <- prometheus.MustNewConstMetric(c.messages, prometheus.GaugeValue, float64(queue.Messages), name)
		ch <- prometheus.MustNewConstMetric(c.consumers, prometheus.GaugeValue, float64(queue.Consumers), name)
	}
}
