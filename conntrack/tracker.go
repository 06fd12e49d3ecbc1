package conntrack

import (
	"time"

	"github.com/flowtap/flowtap/actions"
	"github.com/flowtap/flowtap/buffer"
	"github.com/flowtap/flowtap/filter"
	"github.com/flowtap/flowtap/flowkey"
	"github.com/flowtap/flowtap/headers"
	"github.com/flowtap/flowtap/protocols"
	"github.com/flowtap/flowtap/reassembly"
	"github.com/flowtap/flowtap/subscription"
)

// Config bundles the per-core tracker's tunables.
type Config struct {
	MaxConnections     int
	MaxOutOfOrder       int
	TCPInactivity       time.Duration
	UDPInactivity       time.Duration
	TCPEstablishTimeout time.Duration
	TimeoutResolution   time.Duration
}

// netbiosNameServicePort is excluded from DNS probing: NetBIOS name
// service traffic on this port resembles DNS closely enough to produce
// false positives, and protocols.PDU carries no port information for a
// parser to reject it itself -- only the tracker, which still has the
// five-tuple at probe time, can apply this exclusion.
const netbiosNameServicePort = 137

// Tracker owns one core's connection table, timer wheel, and registry-
// bound probing/parsing/tracking pipeline, driven by a compiled filter.
type Tracker struct {
	cfg      Config
	table    *Table
	wheel    *TimerWheel
	registry *protocols.Registry
	compiled *filter.Compiled
	subs     *subscription.Registry

	connDataUpdate func(*Entry)
}

// NewTracker builds a Tracker. compiled selects which protocols the
// registry probes for via compiled.Protocols().
func NewTracker(cfg Config, registry *protocols.Registry, compiled *filter.Compiled, connDataUpdate func(*Entry)) *Tracker {
	resolution := cfg.TimeoutResolution
	if resolution <= 0 {
		resolution = 100 * time.Millisecond
	}
	maxTimeout := cfg.TCPInactivity
	if cfg.UDPInactivity > maxTimeout {
		maxTimeout = cfg.UDPInactivity
	}
	n := int(maxTimeout/resolution) + 1
	return &Tracker{
		cfg:            cfg,
		table:          NewTable(cfg.MaxConnections),
		wheel:          NewTimerWheel(n, resolution),
		registry:       registry,
		compiled:       compiled,
		connDataUpdate: connDataUpdate,
	}
}

// Size returns the number of tracked connections.
func (tr *Tracker) Size() int { return tr.table.Size() }

// Compiled returns the engine-wide compiled filter, so a caller upstream
// of Process (the ingress worker) can apply the same PacketPass gate
// before ever constructing an L4Context.
func (tr *Tracker) Compiled() *filter.Compiled { return tr.compiled }

// UseSubscriptions attaches the registry of per-subscription filters
// whose matches drive Packet/Session/Connection delivery callbacks. Not
// a NewTracker parameter so existing callers that never subscribe to
// anything are unaffected.
func (tr *Tracker) UseSubscriptions(subs *subscription.Registry) {
	tr.subs = subs
}

// connSubscribed reports whether any Connection-level subscription is
// registered, meaning every connection must be given the ConnTracked/
// PacketCache/PacketTrack/PacketDrain bundle regardless of what the engine filter
// itself would set, so connDeliver has something to evaluate and
// packets to hand back at termination.
func (tr *Tracker) connSubscribed() bool {
	return tr.subs != nil && len(tr.subs.ForLevel(subscription.Connection)) > 0
}

// Process handles one packet: look up or create its connection entry,
// apply the packet-stage filter, reassemble (for TCP) or pass straight
// through (for UDP), and drive the entry's probe/parse/track pipeline.
func (tr *Tracker) Process(l4 headers.L4Context, frame *buffer.Frame) {
	five := flowkey.New(l4.Src, l4.Dst, l4.Proto)
	tr.deliverPackets(l4, five)

	entry, ok := tr.table.Get(five)
	now := frame.Timestamp()

	packetActs := tr.compiled.Packet(filter.Input{L4: &l4, Five: five})
	if tr.connSubscribed() {
		packetActs = packetActs.Merge(actions.Actions{
			Data:     actions.ConnTracked | actions.PacketCache | actions.PacketTrack | actions.PacketDrain,
			Terminal: actions.ConnTracked | actions.PacketCache | actions.PacketTrack | actions.PacketDrain,
		})
	}
	if !ok {
		if packetActs.Empty() {
			return
		}
		if l4.Proto == flowkey.ProtoTCP && l4.TCPFlags&headers.FlagSYN == 0 {
			// No established-connection bootstrap support yet: a TCP
			// connection can only be created on its opening SYN.
			return
		}
		if tr.table.Full() {
			return
		}
		entry = tr.newEntry(five, l4, packetActs, now)
		tr.table.Insert(entry)
	} else {
		entry.Actions = entry.Actions.Update(packetActs)
		window := tr.inactivityWindow(l4.Proto)
		touch(entry, tr.wheel, now, window)
	}

	if entry.terminated() {
		tr.table.Remove(entry.Five)
		return
	}

	dir := entry.Five.Direction(l4.Src)
	payload, err := frame.Bytes(int(l4.PayloadOffset), int(l4.PayloadLength))
	if err != nil {
		return
	}

	if l4.Proto == flowkey.ProtoTCP {
		tr.consumeTCP(entry, dir, l4, payload, frame)
	} else {
		tr.consumePDU(entry, protocols.PDU{Payload: payload, Dir: dir, Frame: frame})
	}

	if entry.terminated() {
		tr.table.Remove(entry.Five)
	}
}

func (tr *Tracker) inactivityWindow(proto flowkey.L4Proto) time.Duration {
	if proto == flowkey.ProtoUDP {
		return tr.cfg.UDPInactivity
	}
	return tr.cfg.TCPInactivity
}

func (tr *Tracker) newEntry(five flowkey.FiveTuple, l4 headers.L4Context, packetActs actions.Actions, now time.Time) *Entry {
	e := &Entry{
		Five:    five,
		bucket:  -1,
		Actions: actions.Actions{}.Update(packetActs),
	}
	if l4.Proto == flowkey.ProtoTCP {
		e.orig = reassembly.NewHalfFlow(tr.cfg.MaxOutOfOrder)
		e.resp = reassembly.NewHalfFlow(tr.cfg.MaxOutOfOrder)
	}
	if e.Actions.NeedsParsing() {
		e.candidates = tr.candidateParsers(five)
	}
	window := tr.inactivityWindow(l4.Proto)
	touch(e, tr.wheel, now, window)
	return e
}

// candidateParsers builds the probe set for a new connection from the
// registered parsers whose protocol the compiled filter names, excluding
// a dns parser when the connection is NetBIOS name-service traffic on
// port 137.
func (tr *Tracker) candidateParsers(five flowkey.FiveTuple) []protocols.Parser {
	wanted := map[string]bool{}
	for _, name := range tr.compiled.Protocols() {
		wanted[name] = true
	}
	netbios := five.Orig.Port == netbiosNameServicePort || five.Resp.Port == netbiosNameServicePort
	all := tr.registry.NewProbeSet()
	out := make([]protocols.Parser, 0, len(all))
	for _, p := range all {
		if !wanted[p.Protocol()] || (netbios && p.Protocol() == "dns") {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (tr *Tracker) consumeTCP(entry *Entry, dir flowkey.Dir, l4 headers.L4Context, payload []byte, frame *buffer.Frame) {
	half := entry.orig
	if dir == flowkey.DirResp {
		half = entry.resp
	}
	if !entry.Actions.NeedsReassembly() {
		// Tracking-only connections don't need ordered bytes, just flag
		// bookkeeping; deliver payload straight through.
		tr.consumePDU(entry, protocols.PDU{Payload: payload, Dir: dir, Frame: frame})
		return
	}
	seg := reassembly.PDU{SeqNo: l4.SeqNo, Flags: l4.TCPFlags, Frame: frame, Payload: payload}
	overflow := half.InsertSegment(seg, func(ordered reassembly.PDU) {
		tr.consumePDU(entry, protocols.PDU{Payload: ordered.Payload, Dir: dir, Frame: ordered.Frame})
	})
	if overflow {
		entry.Actions = actions.Actions{}
	}
}

func (tr *Tracker) consumePDU(entry *Entry, pdu protocols.PDU) {
	entry.consume(pdu, evalFuncs{
		connFilter: func(e *Entry) actions.Actions {
			return tr.compiled.Protocol(filter.Input{Five: e.Five, Present: presentSet(e)})
		},
		sessionFilter: func(sess protocols.Session, e *Entry) actions.Actions {
			return tr.compiled.Session(filter.Input{
				Five:    e.Five,
				Session: map[string]filter.FieldValuer{sess.Protocol: asFieldValuer(sess.Data)},
			})
		},
		sessionDeliver: tr.sessionDeliver,
		track:          tr.connDataUpdate,
	})
}

// deliverPackets invokes every Packet-level subscription whose filter
// matches this packet's L3/L4 fields, independent of whether the
// connection tracker ends up creating or updating an entry for it.
func (tr *Tracker) deliverPackets(l4 headers.L4Context, five flowkey.FiveTuple) {
	if tr.subs == nil {
		return
	}
	for _, sub := range tr.subs.ForLevel(subscription.Packet) {
		acts := sub.Compiled().PacketDeliver(filter.Input{L4: &l4, Five: five})
		if !acts.Has(actions.PacketDeliver) {
			continue
		}
		_ = sub.Callback(PacketDelivery{Five: five, L4: l4})
	}
}

// sessionDeliver invokes every Session/Streaming-level subscription
// whose filter matches a just-completed session.
func (tr *Tracker) sessionDeliver(sess protocols.Session, e *Entry) {
	if tr.subs == nil {
		return
	}
	in := filter.Input{
		Five:    e.Five,
		Session: map[string]filter.FieldValuer{sess.Protocol: asFieldValuer(sess.Data)},
	}
	for _, sub := range tr.subs.All() {
		if sub.Level != subscription.Session && sub.Level != subscription.Streaming {
			continue
		}
		if sub.Compiled().Session(in).Has(actions.SessionDeliver) {
			_ = sub.Callback(sess)
		}
	}
}

// connDeliver drains whatever packets this connection cached and, for
// every Connection-level subscription whose filter matches, invokes its
// callback with a ConnectionDelivery. Draining happens unconditionally
// so a cached-but-unsubscribed connection still releases its frames.
func (tr *Tracker) connDeliver(e *Entry) {
	packets := e.drainPackets()
	defer releaseFrames(packets)
	if tr.subs == nil {
		return
	}
	in := filter.Input{Five: e.Five, Present: presentSet(e)}
	for _, sub := range tr.subs.ForLevel(subscription.Connection) {
		if sub.Compiled().ConnectionDeliver(in).Has(actions.ConnTracked) {
			_ = sub.Callback(ConnectionDelivery{
				Five:        e.Five,
				LastSeen:    e.LastSeen,
				Packets:     packets,
				UserTracked: e.UserTracked,
			})
		}
	}
}

func releaseFrames(frames []*buffer.Frame) {
	for _, f := range frames {
		f.Release()
	}
}

func presentSet(e *Entry) map[string]bool {
	if e.bound == nil {
		return nil
	}
	return map[string]bool{e.bound.Protocol(): true}
}

func asFieldValuer(data interface{}) filter.FieldValuer {
	if fv, ok := data.(filter.FieldValuer); ok {
		return fv
	}
	return emptyFieldValuer{}
}

type emptyFieldValuer struct{}

func (emptyFieldValuer) FilterField(string) (interface{}, bool) { return nil, false }

// CheckInactive sweeps the timer wheel for connections that haven't been
// touched since their scheduled window elapsed, terminating and removing
// them.
func (tr *Tracker) CheckInactive(now time.Time) {
	for _, id := range tr.wheel.Advance(now) {
		tr.expireByKey(id, now)
	}
}

func (tr *Tracker) expireByKey(id connID, now time.Time) {
	for _, e := range tr.table.Entries() {
		if keyFor(e.Five) != id {
			continue
		}
		if remaining := e.InactivityWindow - now.Sub(e.LastSeen); remaining > 0 {
			// The slot came due before this entry's window elapsed; put
			// it back on the wheel for the time it still has left.
			e.bucket = tr.wheel.Schedule(id, remaining)
			return
		}
		tr.finalize(e)
		tr.table.Remove(e.Five)
		return
	}
}

// Drain terminates and removes every tracked connection; called at
// shutdown so every in-flight connection gets its final delivery.
func (tr *Tracker) Drain() {
	for _, e := range tr.table.Entries() {
		tr.finalize(e)
	}
	tr.table = NewTable(tr.cfg.MaxConnections)
}

func (tr *Tracker) finalize(e *Entry) {
	e.terminate(
		func(entry *Entry) actions.Actions {
			acts := tr.compiled.ConnectionDeliver(filter.Input{Five: entry.Five, Present: presentSet(entry)})
			tr.connDeliver(entry)
			return acts
		},
		tr.sessionDeliver,
	)
}
