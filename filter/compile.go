package filter

import (
	"sort"

	"github.com/flowtap/flowtap/actions"
)

// Compiled is the output of Compile: one predicate tree per evaluation
// Stage plus the set of session protocols the filter actually mentions,
// which the protocol registry uses to decide which parsers to load.
type Compiled struct {
	expr        string
	trees       [6]*ptree
	protocols   map[string]bool
	flowRules   []FlowRule
	alwaysProbe bool

	// packetPassComplete is true when every StagePacket pattern was also
	// mirrored into StagePacketPass, meaning a PacketPass miss implies a
	// Packet-stage miss too and the early gate can reject without risking
	// a false drop. False (the default, including filters with no
	// Packet-stage patterns at all) disables the gate.
	packetPassComplete bool
}

// Source returns the filter expression Compiled was built from.
func (c *Compiled) Source() string { return c.expr }

// Protocols returns the session protocols (tls, http, dns, quic, ssh...)
// named anywhere in the filter, so the registry only loads parsers the
// filter can actually use.
func (c *Compiled) Protocols() []string {
	out := make([]string, 0, len(c.protocols))
	for p := range c.protocols {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Eval runs the predicate tree for a single Stage against in and returns
// the accumulated action mask. Stages that match nothing return an empty
// Actions, which the caller folds into the connection's running mask via
// Actions.Update.
func (c *Compiled) Eval(s Stage, in Input) actions.Actions {
	t := c.trees[s]
	if t == nil {
		return actions.Actions{}
	}
	var acc actions.Actions
	evalNodes(t.roots, in, &acc)
	return acc
}

// PacketPass evaluates the cheapest, earliest-decidable Stage: whether a
// raw packet should even be handed to the connection tracker.
func (c *Compiled) PacketPass(in Input) actions.Actions { return c.Eval(StagePacketPass, in) }

// PacketPassGate reports whether a packet may proceed past the PacketPass
// stage. It only ever rejects when packetPassComplete holds, i.e. every
// Packet-stage pattern was also mirrored into PacketPass, so a miss here
// is guaranteed to also miss at Packet; otherwise (no Packet-stage
// patterns, or ones too complex to mirror) the gate always passes,
// leaving admission entirely to the Packet stage as before.
func (c *Compiled) PacketPassGate(in Input) bool {
	if !c.packetPassComplete {
		return true
	}
	return c.PacketPass(in).Has(actions.PacketContinue)
}

// Packet evaluates L3/L4 header predicates. Whenever the filter also
// names a session protocol, Packet additionally sets ConnDataTrack|
// ConnParse on every connection unconditionally: whether a session-level
// predicate matches can't be decided until a parser has attached, so
// every new connection must be given the chance to probe.
func (c *Compiled) Packet(in Input) actions.Actions {
	acc := c.Eval(StagePacket, in)
	if c.alwaysProbe {
		acc = acc.Merge(actions.Actions{Data: actions.ConnDataTrack | actions.ConnParse})
	}
	return acc
}

// Protocol evaluates unary protocol-presence predicates once a parser
// has attached to the connection.
func (c *Compiled) Protocol(in Input) actions.Actions { return c.Eval(StageProtocol, in) }

// Session evaluates session-field predicates against a completed or
// in-progress parsed session.
func (c *Compiled) Session(in Input) actions.Actions { return c.Eval(StageSession, in) }

// ConnectionDeliver evaluates connection-level delivery predicates; only
// called at connection termination (Open Question 1, see DESIGN.md).
func (c *Compiled) ConnectionDeliver(in Input) actions.Actions {
	return c.Eval(StageConnectionDeliver, in)
}

// PacketDeliver evaluates packet-subscription delivery predicates.
func (c *Compiled) PacketDeliver(in Input) actions.Actions { return c.Eval(StagePacketDeliver, in) }

func evalNodes(nodes []*ptreeNode, in Input, acc *actions.Actions) {
	matchedGroup := map[int]bool{}
	for _, n := range nodes {
		if n.exclGroup != 0 && matchedGroup[n.exclGroup] {
			continue
		}
		if !eval(n.pred, in) {
			continue
		}
		if n.exclGroup != 0 {
			matchedGroup[n.exclGroup] = true
		}
		*acc = acc.Merge(n.actions)
		evalNodes(n.children, in, acc)
	}
}

// stageActionBits returns the action bits a matching pattern at stage s
// contributes: PacketContinue at PacketPass, ConnDataTrack|ConnParse at
// Packet, ProtoFilter at Protocol, SessionFilter|SessionParse|
// SessionTrack at Session (a matching session predicate both applies the
// session filter and buffers the session for delivery). ConnectionDeliver
// trees contribute ConnTracked and PacketDeliver trees contribute
// PacketDeliver, both read directly by a subscription's delivery check
// rather than folded into a connection's running mask. deliver is the
// Stage Compile was asked to build for; when it equals StageSession, this
// compile is a subscription's own Session/Streaming-level filter rather
// than the base engine filter, so its Session tree additionally
// contributes SessionDeliver.
func stageActionBits(s, deliver Stage) actions.Flag {
	switch s {
	case StagePacketPass:
		return actions.PacketContinue
	case StagePacket:
		return actions.ConnDataTrack | actions.ConnParse
	case StageProtocol:
		return actions.ProtoFilter
	case StageSession:
		bits := actions.SessionFilter | actions.SessionParse | actions.SessionTrack
		if deliver == StageSession {
			bits |= actions.SessionDeliver
		}
		return bits
	case StageConnectionDeliver:
		return actions.ConnTracked
	case StagePacketDeliver:
		return actions.PacketDeliver
	default:
		return 0
	}
}

// Compile runs the staged compilation pipeline over a filter's flattened
// patterns: qualify each pattern to a Stage, dedup/prune per the subset
// rules, build an n-ary predicate tree per Stage, and mark mutually
// exclusive siblings. deliver additionally tags which patterns feed
// ConnectionDeliver/PacketDeliver (a filter attached to a
// subscription.Level rather than the base packet/session filter).
func Compile(expr string, deliver Stage) (*Compiled, error) {
	patterns, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	patterns = dedupPatterns(patterns)

	byStage := map[Stage][]Pattern{}
	protocols := map[string]bool{}
	packetPatterns, eligiblePatterns := 0, 0
	for _, pat := range patterns {
		s := patternStage(pat)
		if deliver == StageConnectionDeliver || deliver == StagePacketDeliver {
			s = deliver
		}
		byStage[s] = append(byStage[s], pat)
		if s == StagePacket {
			packetPatterns++
			if packetPassEligible(pat) {
				eligiblePatterns++
				byStage[StagePacketPass] = append(byStage[StagePacketPass], pat)
			}
		}
		for _, pred := range pat {
			if isSessionProtocol(pred.Protocol) {
				protocols[pred.Protocol] = true
			}
		}
	}

	c := &Compiled{
		expr:               expr,
		protocols:          protocols,
		alwaysProbe:        len(protocols) > 0,
		packetPassComplete: packetPatterns > 0 && packetPatterns == eligiblePatterns,
	}
	for s, pats := range byStage {
		c.trees[s] = buildPtree(pats, actions.Actions{Data: stageActionBits(s, deliver), Terminal: 0})
	}
	c.flowRules = extractFlowRules(patterns)
	return c, nil
}
