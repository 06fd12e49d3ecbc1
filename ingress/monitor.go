package ingress

import (
	"context"
	"time"

	"github.com/flowtap/flowtap/metrics"
)

// defaultMonitorInterval is how often the Monitor dumps stats when
// Config.Interval is unset.
const defaultMonitorInterval = time.Second

// Monitor runs on the main core: it periodically dumps aggregate
// throughput, optionally logs per-core CSV rows, and cancels the run
// once Duration elapses (an unset Duration runs until ctx is cancelled
// some other way, e.g. SIGINT).
type Monitor struct {
	Duration time.Duration
	Interval time.Duration
	Display  bool

	Metrics *metrics.Registry
	CSV     *metrics.CSVDump
}

// Run blocks until ctx is done or Duration elapses, in which case it
// calls cancel itself so worker loops sharing ctx unwind too.
func (m *Monitor) Run(ctx context.Context, cancel context.CancelFunc) {
	interval := m.Interval
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if m.Duration > 0 {
		timer := time.NewTimer(m.Duration)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			cancel()
			return
		case now := <-ticker.C:
			m.tick(now)
		}
	}
}

func (m *Monitor) tick(now time.Time) {
	if m.Metrics == nil {
		return
	}
	if m.Display {
		m.Metrics.DumpStdout()
	}
	if m.CSV != nil {
		_ = m.CSV.Write(now, m.Metrics.Snapshots())
	}
}
