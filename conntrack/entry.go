// Package conntrack implements the per-core connection table: a five-
// tuple-keyed flow table that drives each connection through probing,
// application-protocol parsing, and post-parse tracking, applying the
// compiled filter at each transition and reassembling TCP streams along
// the way.
package conntrack

import (
	"time"

	"github.com/flowtap/flowtap/actions"
	"github.com/flowtap/flowtap/buffer"
	"github.com/flowtap/flowtap/flowkey"
	"github.com/flowtap/flowtap/protocols"
	"github.com/flowtap/flowtap/reassembly"
)

// phase is a connection's position in the probe/parse/track progression.
// Rather than a discrete ConnState enum tracked as independent state,
// phase is derived from the action mask and parser-binding state: a
// connection is Parsing exactly while a parser is bound, Probing while
// candidate parsers remain, Tracking once neither holds but the mask is
// still non-empty, and removed the instant its mask goes empty.
type phase uint8

const (
	phaseProbing phase = iota
	phaseParsing
	phaseTracking
	phaseRemove
)

// evalFuncs bundles the compiled filter's stage evaluators an Entry
// needs while processing a PDU; Tracker owns the Compiled and builds
// these closures over it in consumePDU rather than Entry holding a
// reference.
type evalFuncs struct {
	connFilter     func(*Entry) actions.Actions
	sessionFilter  func(protocols.Session, *Entry) actions.Actions
	sessionDeliver func(protocols.Session, *Entry)
	track          func(*Entry)
}

// Entry is one tracked connection.
type Entry struct {
	Five             flowkey.FiveTuple
	LastSeen         time.Time
	InactivityWindow time.Duration

	Actions actions.Actions

	candidates []protocols.Parser // still-probing parsers; nil once bound
	bound      protocols.Parser   // the parser that won the probe, if any

	UserTracked any

	SessionsBuffered []protocols.Session
	PacketsBuffered  []*buffer.Frame

	firstSessionMatched bool
	firstSessionSeen    bool

	orig *reassembly.HalfFlow
	resp *reassembly.HalfFlow

	bucket int // timer wheel bucket index, -1 if not scheduled
}

// phase derives the connection's logical phase from its current mask
// plus parser-binding state: ConnParse being set only means "eligible to
// probe/parse", not that a parser has actually attached yet, so Probing
// vs Parsing is distinguished by whether e.bound is set.
func (e *Entry) phase() phase {
	switch {
	case e.Actions.Empty():
		return phaseRemove
	case e.bound != nil:
		return phaseParsing
	case len(e.candidates) > 0:
		return phaseProbing
	default:
		return phaseTracking
	}
}

// terminated reports whether this entry should be removed from the
// table outright.
func (e *Entry) terminated() bool {
	return e.phase() == phaseRemove
}

// bufferSession appends sess for later delivery; only called when the
// SessionTrack bit is set, matching the invariant that SessionsBuffered
// only ever holds data when tracking was explicitly requested.
func (e *Entry) bufferSession(sess protocols.Session) {
	if !e.Actions.Has(actions.SessionTrack) {
		return
	}
	e.SessionsBuffered = append(e.SessionsBuffered, sess)
}

// bufferPacket retains frame for later connection-level delivery; only
// called when PacketCache is set, mirroring bufferSession's SessionTrack
// gate. frame is Ref'd since the caller releases its own reference once
// processing the current burst completes.
func (e *Entry) bufferPacket(frame *buffer.Frame) {
	if frame == nil || !e.Actions.Has(actions.PacketCache) {
		return
	}
	frame.Ref()
	e.PacketsBuffered = append(e.PacketsBuffered, frame)
}

// drainPackets empties and returns PacketsBuffered; only called when
// PacketDrain is set, so a connection that never cached anything never
// has its (always nil) buffer handed anywhere.
func (e *Entry) drainPackets() []*buffer.Frame {
	if !e.Actions.Has(actions.PacketDrain) {
		return nil
	}
	out := e.PacketsBuffered
	e.PacketsBuffered = nil
	return out
}

// consume dispatches pdu according to the entry's current phase: probing
// parsers, feeding the bound parser, or running the tracked-data update.
func (e *Entry) consume(pdu protocols.PDU, fs evalFuncs) {
	switch e.phase() {
	case phaseProbing:
		e.onProbe(pdu, fs)
	case phaseParsing:
		e.onParse(pdu, fs)
	case phaseTracking:
		e.onTrack(pdu, fs)
	}
}

// onProbe runs every still-candidate parser's Probe against pdu, binding
// the first one that reports ProbeCertain and immediately handing it the
// same PDU to parse. If every candidate has ruled itself out without any
// binding, the connection is still eligible to match on connection-level
// fields alone.
func (e *Entry) onProbe(pdu protocols.PDU, fs evalFuncs) {
	var stillUnsure []protocols.Parser
	for _, p := range e.candidates {
		switch p.Probe(pdu) {
		case protocols.ProbeCertain:
			e.bound = p
			e.candidates = nil
			e.Actions = e.Actions.Merge(fs.connFilter(e))
			if e.phase() == phaseParsing {
				e.onParse(pdu, fs)
			}
			return
		case protocols.ProbeUnsure:
			stillUnsure = append(stillUnsure, p)
		case protocols.ProbeNotForUs, protocols.ProbeError:
			// ruled out, drop silently
		}
	}
	e.candidates = stillUnsure
	if len(e.candidates) == 0 && e.bound == nil {
		e.Actions = e.Actions.Merge(fs.connFilter(e))
	}
}

// onParse feeds pdu to the bound parser and, whenever a session
// completes, applies the session filter and the post-session tie-break.
func (e *Entry) onParse(pdu protocols.PDU, fs evalFuncs) {
	if e.bound == nil {
		return
	}
	result := e.bound.Parse(pdu)
	if result.Outcome != protocols.ParseDoneOutcome {
		return
	}
	sess, ok := e.bound.RemoveSession(result.SessionID)
	if !ok {
		return
	}
	sessionResult := fs.sessionFilter(sess, e)
	e.Actions = e.Actions.Merge(sessionResult)
	e.bufferSession(sess)
	if fs.sessionDeliver != nil {
		fs.sessionDeliver(sess, e)
	}
	if !e.firstSessionSeen {
		e.firstSessionSeen = true
		e.firstSessionMatched = !sessionResult.Empty()
	}
	e.resolveAfterSession(sessionResult)
}

// resolveAfterSession implements the termination tie-break from the
// probe/parse/track transition rules: if both the running mask and this
// session's own filter result came back empty, the connection is
// removed; if the bound parser says more sessions may follow, parsing
// continues; otherwise the connection settles into Tracking.
func (e *Entry) resolveAfterSession(sessionResult actions.Actions) {
	if e.Actions.Empty() && sessionResult.Empty() {
		return
	}
	if e.bound != nil && e.bound.MoreSessionsExpected() {
		return
	}
	e.Actions = e.Actions.Clear(actions.ConnParse | actions.ProtoFilter | actions.SessionParse)
	e.bound = nil
}

// onTrack runs the per-packet tracked-data update for a connection that
// has settled past parsing, caching pdu's frame first if PacketCache
// requested it.
func (e *Entry) onTrack(pdu protocols.PDU, fs evalFuncs) {
	e.bufferPacket(pdu.Frame)
	if fs.track != nil {
		fs.track(e)
	}
}

// terminate runs whatever final delivery a connection's phase at removal
// time calls for: a probing connection with a non-empty mask goes to
// connDeliver; a parsing connection first drains and delivers whatever
// sessions its parser still holds, then goes to connDeliver only if its
// first session matched; a tracking connection goes to connDeliver; a
// connection whose mask is already empty delivers nothing. connDeliver
// hands back cached packets only when PacketDrain is set, so a
// ConnTracked-only connection that never parsed anything can still
// deliver the raw packets it cached.
func (e *Entry) terminate(connDeliver func(*Entry) actions.Actions, sessionDeliver func(protocols.Session, *Entry)) {
	switch e.phase() {
	case phaseProbing:
		if !e.Actions.Empty() {
			connDeliver(e)
		}
	case phaseParsing:
		if e.bound != nil {
			for _, sess := range e.bound.DrainSessions() {
				e.bufferSession(sess)
				if sessionDeliver != nil {
					sessionDeliver(sess, e)
				}
			}
		}
		if e.firstSessionMatched {
			connDeliver(e)
		}
	case phaseTracking:
		connDeliver(e)
	case phaseRemove:
		// nothing to deliver
	}
}
