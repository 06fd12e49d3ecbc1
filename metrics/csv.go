package metrics

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// CSVDump writes one row per core per poll interval, one file covering
// every port. Rows are flushed eagerly so a tailing `tail -f` sees live
// data.
type CSVDump struct {
	w       *csv.Writer
	wrote   bool
}

// NewCSVDump wraps out in a CSVDump; call Write once per poll interval.
func NewCSVDump(out io.Writer) *CSVDump {
	return &CSVDump{w: csv.NewWriter(out)}
}

var csvHeader = []string{
	"timestamp", "core", "total_pkt", "total_byte", "idle_cycles",
	"filtered_pkt", "hw_dropped_pkt", "sw_dropped_pkt",
	"new_tcp_conns", "new_udp_conns", "delivered_pkt",
}

// Write appends one row per snapshot, writing the header exactly once.
func (d *CSVDump) Write(at time.Time, snaps []Snapshot) error {
	if !d.wrote {
		if err := d.w.Write(csvHeader); err != nil {
			return errors.Wrap(err, "metrics: failed to write csv header")
		}
		d.wrote = true
	}
	ts := at.Format(time.RFC3339)
	for _, s := range snaps {
		row := []string{
			ts,
			strconv.Itoa(s.CoreID),
			strconv.FormatUint(s.TotalPkt, 10),
			strconv.FormatUint(s.TotalByte, 10),
			strconv.FormatUint(s.IdleCycles, 10),
			strconv.FormatUint(s.FilteredPkt, 10),
			strconv.FormatUint(s.HWDroppedPkt, 10),
			strconv.FormatUint(s.SWDroppedPkt, 10),
			strconv.FormatUint(s.NewTCPConns, 10),
			strconv.FormatUint(s.NewUDPConns, 10),
			strconv.FormatUint(s.DeliveredPkt, 10),
		}
		if err := d.w.Write(row); err != nil {
			return errors.Wrap(err, "metrics: failed to write csv row")
		}
	}
	d.w.Flush()
	return d.w.Error()
}
