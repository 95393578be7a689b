// Package metrics exposes the Prometheus metrics registry for a paxosd node,
// adapted from the teacher's pkg/observability/metrics registry shape.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var once sync.Once

var (
	QuorumLivePeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paxosd",
		Name:      "quorum_live_peers",
		Help:      "Current number of peers this node considers alive (follower or leader)",
	})

	IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paxosd",
		Name:      "is_leader",
		Help:      "1 if this node currently considers itself the leader, else 0",
	})

	LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paxosd",
		Name:      "leader_changes_total",
		Help:      "Total number of leader changes observed by this node",
	})

	HandshakeAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paxosd",
		Name:      "handshake_attempts_total",
		Help:      "Total handshake attempts by result",
	}, []string{"result"})

	ProposalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paxosd",
		Name:      "proposals_total",
		Help:      "Total client requests processed by this leader, by outcome",
	}, []string{"outcome"})

	FrameErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paxosd",
		Name:      "frame_errors_total",
		Help:      "Total frame decode/read errors by kind",
	}, []string{"kind"})

	ConnPoolActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paxosd",
		Subsystem: "connpool",
		Name:      "active",
		Help:      "Number of currently open pooled peer connections",
	})
)

// Register registers all metrics into the default Prometheus registry
// (idempotent; safe to call from every node in a process).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(QuorumLivePeers)
		prometheus.MustRegister(IsLeader)
		prometheus.MustRegister(LeaderChanges)
		prometheus.MustRegister(HandshakeAttempts)
		prometheus.MustRegister(ProposalsTotal)
		prometheus.MustRegister(FrameErrorsTotal)
		prometheus.MustRegister(ConnPoolActive)
	})
}
