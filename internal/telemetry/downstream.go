// Package telemetry tracks per-downstream-connection runtime stats and
// exposes them as Prometheus metrics, keyed on the downstream connection
// id (extended channels carry no worker identity). There is no difficulty
// retargeting here: a channel's target is fixed when it opens.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectedDownstreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sv2pool_connected_downstreams",
		Help: "Number of currently connected downstream connections.",
	})

	acceptedShares = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sv2pool_accepted_shares_total",
		Help: "Total accepted shares per downstream connection.",
	}, []string{"downstream_id"})

	rejectedShares = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sv2pool_rejected_shares_total",
		Help: "Total rejected shares per downstream connection.",
	}, []string{"downstream_id"})

	blocksFound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sv2pool_blocks_found_total",
		Help: "Total network-target shares found across all downstreams.",
	})
)

func init() {
	prometheus.MustRegister(connectedDownstreams, acceptedShares, rejectedShares, blocksFound)
}

// Stats holds one downstream connection's running counters.
type Stats struct {
	ID           string
	RemoteAddr   string
	ConnectedAt  time.Time
	ChannelCount int32
	accepted     uint64
	rejected     uint64
	lastShareAt  int64 // unix nanos, atomic
}

// LastShareAt returns the time of the most recently processed share, or
// the zero Time if none has been seen yet.
func (s *Stats) LastShareAt() time.Time {
	ns := atomic.LoadInt64(&s.lastShareAt)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Accepted returns the running accepted-share count.
func (s *Stats) Accepted() uint64 { return atomic.LoadUint64(&s.accepted) }

// Rejected returns the running rejected-share count.
func (s *Stats) Rejected() uint64 { return atomic.LoadUint64(&s.rejected) }

// Manager tracks Stats for every connected downstream.
type Manager struct {
	downstreams sync.Map // string -> *Stats
	count       int64
}

// NewManager builds an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register begins tracking a newly connected downstream.
func (m *Manager) Register(id, remoteAddr string) *Stats {
	s := &Stats{
		ID:          id,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
	}
	m.downstreams.Store(id, s)
	atomic.AddInt64(&m.count, 1)
	connectedDownstreams.Inc()
	return s
}

// Disconnect stops tracking a downstream and returns its final Stats, or
// nil if it was not registered.
func (m *Manager) Disconnect(id string) *Stats {
	v, ok := m.downstreams.LoadAndDelete(id)
	if !ok {
		return nil
	}
	atomic.AddInt64(&m.count, -1)
	connectedDownstreams.Dec()
	return v.(*Stats)
}

// Get returns the Stats for a downstream id, or nil if not connected.
func (m *Manager) Get(id string) *Stats {
	v, ok := m.downstreams.Load(id)
	if !ok {
		return nil
	}
	return v.(*Stats)
}

// Count returns the number of currently tracked downstreams.
func (m *Manager) Count() int64 {
	return atomic.LoadInt64(&m.count)
}

// RecordAccepted records an accepted share for id, bumping both the
// in-process Stats and the Prometheus counter.
func (m *Manager) RecordAccepted(id string) {
	if s := m.Get(id); s != nil {
		atomic.AddUint64(&s.accepted, 1)
		atomic.StoreInt64(&s.lastShareAt, time.Now().UnixNano())
	}
	acceptedShares.WithLabelValues(id).Inc()
}

// RecordRejected records a rejected share for id.
func (m *Manager) RecordRejected(id string) {
	if s := m.Get(id); s != nil {
		atomic.AddUint64(&s.rejected, 1)
		atomic.StoreInt64(&s.lastShareAt, time.Now().UnixNano())
	}
	rejectedShares.WithLabelValues(id).Inc()
}

// RecordBlockFound bumps the pool-wide found-block counter.
func (m *Manager) RecordBlockFound() {
	blocksFound.Inc()
}

// SetChannelCount records how many channels a downstream currently has
// open in its Stats.
func (m *Manager) SetChannelCount(id string, n int32) {
	if s := m.Get(id); s != nil {
		atomic.StoreInt32(&s.ChannelCount, n)
	}
}

// All returns a snapshot slice of every tracked downstream's Stats.
func (m *Manager) All() []*Stats {
	var out []*Stats
	m.downstreams.Range(func(_, v interface{}) bool {
		out = append(out, v.(*Stats))
		return true
	})
	return out
}
