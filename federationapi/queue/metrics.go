package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var sendQueueDepthValue atomic.Int64

var sendQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "dendrite",
		Subsystem: "federationapi",
		Name:      "destination_queue_depth",
		Help:      "Number of PDUs/EDUs currently queued for outbound federation across all destinations",
	},
)

func init() {
	prometheus.MustRegister(sendQueueDepth)
}

// observeSendQueueDepth adjusts the queue-depth gauge by delta, used both
// when work is enqueued (positive) and when a destination actor finishes
// a batch (negative).
func observeSendQueueDepth(delta int) {
	v := sendQueueDepthValue.Add(int64(delta))
	sendQueueDepth.Set(float64(v))
}
