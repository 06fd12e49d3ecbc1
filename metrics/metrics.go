// Package metrics implements the per-core counters, periodic stdout
// dump, Prometheus exposition, and CSV logging.
// Counters are plain atomics rather than the Prometheus client's own
// counter type on the hot path: local package-level atomics are updated
// during packet processing, and only the heavier Prometheus client is
// touched at scrape/dump time, the same split the original engine drew
// between thread-local counters and its lazily-registered stats handles.
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowtap/flowtap/printer"
)

// Core holds one worker core's counters. All fields are updated with
// atomic.AddUint64 from the hot path; Snapshot copies them out for the
// dump/export paths, which run on a different goroutine.
type Core struct {
	CoreID int

	TotalPkt   uint64
	TotalByte  uint64
	IdleCycles uint64
	TotalCycles uint64

	FilteredPkt  uint64
	FilteredByte uint64

	HWDroppedPkt uint64
	SWDroppedPkt uint64

	NewTCPConns uint64
	NewUDPConns uint64

	TCPPkt, TCPByte uint64
	UDPPkt, UDPByte uint64

	DeliveredPkt uint64
}

func (c *Core) IncPkt(n uint64)       { atomic.AddUint64(&c.TotalPkt, n) }
func (c *Core) IncByte(n uint64)      { atomic.AddUint64(&c.TotalByte, n) }
func (c *Core) IncIdle()              { atomic.AddUint64(&c.IdleCycles, 1) }
func (c *Core) IncTotalCycles()       { atomic.AddUint64(&c.TotalCycles, 1) }
func (c *Core) IncFiltered(n uint64)  { atomic.AddUint64(&c.FilteredPkt, 1); atomic.AddUint64(&c.FilteredByte, n) }
func (c *Core) IncHWDropped(n uint64) { atomic.AddUint64(&c.HWDroppedPkt, n) }
func (c *Core) IncSWDropped(n uint64) { atomic.AddUint64(&c.SWDroppedPkt, n) }
func (c *Core) IncDelivered(n uint64) { atomic.AddUint64(&c.DeliveredPkt, n) }

func (c *Core) IncNewConn(udp bool) {
	if udp {
		atomic.AddUint64(&c.NewUDPConns, 1)
	} else {
		atomic.AddUint64(&c.NewTCPConns, 1)
	}
}

func (c *Core) IncL4(udp bool, bytes uint64) {
	if udp {
		atomic.AddUint64(&c.UDPPkt, 1)
		atomic.AddUint64(&c.UDPByte, bytes)
	} else {
		atomic.AddUint64(&c.TCPPkt, 1)
		atomic.AddUint64(&c.TCPByte, bytes)
	}
}

// Snapshot is a point-in-time, non-atomic copy of Core's counters.
type Snapshot struct {
	CoreID                            int
	TotalPkt, TotalByte               uint64
	IdleCycles, TotalCycles           uint64
	FilteredPkt, FilteredByte         uint64
	HWDroppedPkt, SWDroppedPkt        uint64
	NewTCPConns, NewUDPConns          uint64
	TCPPkt, TCPByte, UDPPkt, UDPByte  uint64
	DeliveredPkt                      uint64
}

// Snapshot copies out the current counter values.
func (c *Core) Snapshot() Snapshot {
	return Snapshot{
		CoreID:       c.CoreID,
		TotalPkt:     atomic.LoadUint64(&c.TotalPkt),
		TotalByte:    atomic.LoadUint64(&c.TotalByte),
		IdleCycles:   atomic.LoadUint64(&c.IdleCycles),
		TotalCycles:  atomic.LoadUint64(&c.TotalCycles),
		FilteredPkt:  atomic.LoadUint64(&c.FilteredPkt),
		FilteredByte: atomic.LoadUint64(&c.FilteredByte),
		HWDroppedPkt: atomic.LoadUint64(&c.HWDroppedPkt),
		SWDroppedPkt: atomic.LoadUint64(&c.SWDroppedPkt),
		NewTCPConns:  atomic.LoadUint64(&c.NewTCPConns),
		NewUDPConns:  atomic.LoadUint64(&c.NewUDPConns),
		TCPPkt:       atomic.LoadUint64(&c.TCPPkt),
		TCPByte:      atomic.LoadUint64(&c.TCPByte),
		UDPPkt:       atomic.LoadUint64(&c.UDPPkt),
		UDPByte:      atomic.LoadUint64(&c.UDPByte),
		DeliveredPkt: atomic.LoadUint64(&c.DeliveredPkt),
	}
}

// PercentIdle reports the percentage (0-100) of poll iterations that found nothing
// to receive, 0 if no cycles have been counted yet.
func (s Snapshot) PercentIdle() float64 {
	if s.TotalCycles == 0 {
		return 0
	}
	return 100 * float64(s.IdleCycles) / float64(s.TotalCycles)
}

// PercentDropped reports the percentage (0-100) of total packets dropped by
// hardware or software.
func (s Snapshot) PercentDropped() float64 {
	if s.TotalPkt == 0 {
		return 0
	}
	return 100 * float64(s.HWDroppedPkt+s.SWDroppedPkt) / float64(s.TotalPkt)
}

// Registry owns one Core per active worker; it is the thing wired into
// ingress.Worker and cmd/flowtap, and also implements
// prometheus.Collector so it can be registered directly with a
// prometheus.Registry for the §6 HTTP endpoint.
type Registry struct {
	cores  []*Core
	start  time.Time
	last   []Snapshot
	lastAt time.Time
}

// NewRegistry builds a Registry with one Core per coreID in ids.
func NewRegistry(ids []int) *Registry {
	r := &Registry{start: time.Now()}
	for _, id := range ids {
		r.cores = append(r.cores, &Core{CoreID: id})
	}
	r.last = make([]Snapshot, len(r.cores))
	r.lastAt = r.start
	return r
}

// Core returns the counters for coreID, or nil if unregistered.
func (r *Registry) Core(coreID int) *Core {
	for _, c := range r.cores {
		if c.CoreID == coreID {
			return c
		}
	}
	return nil
}

// Snapshots returns a point-in-time copy of every core's counters.
func (r *Registry) Snapshots() []Snapshot {
	out := make([]Snapshot, len(r.cores))
	for i, c := range r.cores {
		out[i] = c.Snapshot()
	}
	return out
}

// DumpStdout writes one human-readable block per core to printer.Stdout,
// including live packet/byte rates computed against the previous dump
// (live packet/byte rates plus percent idle/dropped).
func (r *Registry) DumpStdout() {
	now := time.Now()
	elapsed := now.Sub(r.lastAt).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	snaps := r.Snapshots()
	for i, s := range snaps {
		var pktRate, byteRate float64
		if i < len(r.last) {
			pktRate = float64(s.TotalPkt-r.last[i].TotalPkt) / elapsed
			byteRate = float64(s.TotalByte-r.last[i].TotalByte) / elapsed
		}
		printer.Stdout.RawOutput(fmt.Sprintf(
			"core=%d pkts=%d bytes=%d pkt/s=%.1f byte/s=%.1f idle%%=%.1f dropped%%=%.1f delivered=%d",
			s.CoreID, s.TotalPkt, s.TotalByte, pktRate, byteRate, s.PercentIdle(), s.PercentDropped(), s.DeliveredPkt,
		))
	}
	r.last = snaps
	r.lastAt = now
}

var (
	descTotalPkt      = prometheus.NewDesc("flowtap_total_pkt", "Total packets received.", []string{"core"}, nil)
	descTotalByte     = prometheus.NewDesc("flowtap_total_byte", "Total bytes received.", []string{"core"}, nil)
	descIdleCycles    = prometheus.NewDesc("flowtap_idle_cycles", "Poll iterations that found nothing to receive.", []string{"core"}, nil)
	descFilteredPkt   = prometheus.NewDesc("flowtap_filtered_pkt", "Packets dropped at the PacketPass stage.", []string{"core"}, nil)
	descHWDroppedPkt  = prometheus.NewDesc("flowtap_hw_dropped_pkt", "Packets dropped by hardware.", []string{"core"}, nil)
	descSWDroppedPkt  = prometheus.NewDesc("flowtap_sw_dropped_pkt", "Packets dropped by software.", []string{"core"}, nil)
	descNewTCPConns   = prometheus.NewDesc("flowtap_new_tcp_conns", "New TCP connections observed.", []string{"core"}, nil)
	descNewUDPConns   = prometheus.NewDesc("flowtap_new_udp_conns", "New UDP connections observed.", []string{"core"}, nil)
	descDeliveredPkt  = prometheus.NewDesc("flowtap_delivered_pkt", "Packets delivered to subscription callbacks.", []string{"core"}, nil)
)

// Describe implements prometheus.Collector.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	ch <- descTotalPkt
	ch <- descTotalByte
	ch <- descIdleCycles
	ch <- descFilteredPkt
	ch <- descHWDroppedPkt
	ch <- descSWDroppedPkt
	ch <- descNewTCPConns
	ch <- descNewUDPConns
	ch <- descDeliveredPkt
}

// Collect implements prometheus.Collector, emitting the current
// snapshot of every core's counters labeled by core id.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	for _, s := range r.Snapshots() {
		core := fmt.Sprintf("%d", s.CoreID)
		ch <- prometheus.MustNewConstMetric(descTotalPkt, prometheus.CounterValue, float64(s.TotalPkt), core)
		ch <- prometheus.MustNewConstMetric(descTotalByte, prometheus.CounterValue, float64(s.TotalByte), core)
		ch <- prometheus.MustNewConstMetric(descIdleCycles, prometheus.CounterValue, float64(s.IdleCycles), core)
		ch <- prometheus.MustNewConstMetric(descFilteredPkt, prometheus.CounterValue, float64(s.FilteredPkt), core)
		ch <- prometheus.MustNewConstMetric(descHWDroppedPkt, prometheus.CounterValue, float64(s.HWDroppedPkt), core)
		ch <- prometheus.MustNewConstMetric(descSWDroppedPkt, prometheus.CounterValue, float64(s.SWDroppedPkt), core)
		ch <- prometheus.MustNewConstMetric(descNewTCPConns, prometheus.CounterValue, float64(s.NewTCPConns), core)
		ch <- prometheus.MustNewConstMetric(descNewUDPConns, prometheus.CounterValue, float64(s.NewUDPConns), core)
		ch <- prometheus.MustNewConstMetric(descDeliveredPkt, prometheus.CounterValue, float64(s.DeliveredPkt), core)
	}
}

// StageTimings accumulates cheap cumulative duration totals per pipeline
// stage, read back per stage with Mean; neither the stdout dump nor the
// Prometheus collector reports them.
// There is no percentile histogram dependency in the pack, so these are
// plain running totals + counts rather than a quantile sketch.
type StageTimings struct {
	totalNanos map[string]*uint64
	counts     map[string]*uint64
}

// Stage names matching the pipeline steps a packet passes through.
const (
	StagePacketFilter   = "packet_filter"
	StageConnTrack      = "conn_track"
	StageReassembly     = "reassembly"
	StageApplayerParse  = "applayer_parse"
	StageStreamFilter   = "stream_filter"
	StageCallback       = "callback"
)

var allStages = []string{
	StagePacketFilter, StageConnTrack, StageReassembly,
	StageApplayerParse, StageStreamFilter, StageCallback,
}

// NewStageTimings builds a StageTimings with one counter pair per named
// pipeline stage.
func NewStageTimings() *StageTimings {
	st := &StageTimings{
		totalNanos: make(map[string]*uint64, len(allStages)),
		counts:     make(map[string]*uint64, len(allStages)),
	}
	for _, s := range allStages {
		var n, c uint64
		st.totalNanos[s] = &n
		st.counts[s] = &c
	}
	return st
}

// Observe records one duration sample for stage.
func (st *StageTimings) Observe(stage string, d time.Duration) {
	n, ok := st.totalNanos[stage]
	if !ok {
		return
	}
	atomic.AddUint64(n, uint64(d.Nanoseconds()))
	atomic.AddUint64(st.counts[stage], 1)
}

// Mean returns the mean observed duration for stage.
func (st *StageTimings) Mean(stage string) time.Duration {
	n, ok := st.totalNanos[stage]
	if !ok {
		return 0
	}
	count := atomic.LoadUint64(st.counts[stage])
	if count == 0 {
		return 0
	}
	return time.Duration(atomic.LoadUint64(n) / count)
}
