package filter

import (
	"regexp"

	"github.com/flowtap/flowtap/flowkey"
	"github.com/flowtap/flowtap/headers"
)

func matchesRegex(pattern, s string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// FieldValuer is implemented by parsed session data that wants its
// fields reachable from session-stage filter predicates. A parser's
// Session.Data need not implement it; fields on protocols that don't
// are simply never matched (a predicate that never matches, not a
// compile error), which keeps new parsers free to opt in incrementally.
type FieldValuer interface {
	FilterField(name string) (interface{}, bool)
}

// Input is what a stage evaluator is handed. Which fields are populated
// depends on the stage: PacketPass/Packet/PacketDeliver see L4 and Five;
// Protocol and ConnectionDeliver see Five and Present; Session sees Five
// and Session. When L4 is nil, packet-field predicates are evaluated
// against Five instead.
type Input struct {
	L4      *headers.L4Context
	Five    flowkey.FiveTuple
	Dir     flowkey.Dir
	Present map[string]bool
	Session map[string]FieldValuer
}

// eval reports whether a single predicate holds against in.
func eval(pred Predicate, in Input) bool {
	if in.L4 == nil && in.Five.Orig.IP != nil {
		// Connection-level stages carry only the five-tuple; its
		// originator and responder stand in for the packet's src and dst.
		in.L4 = &headers.L4Context{Src: in.Five.Orig, Dst: in.Five.Resp, Proto: in.Five.Proto}
	}
	if pred.Unary {
		if !isSessionProtocol(pred.Protocol) {
			return packetLayerPresent(pred.Protocol, in)
		}
		return in.Present[pred.Protocol]
	}
	if isSessionProtocol(pred.Protocol) {
		fv, ok := in.Session[pred.Protocol]
		if !ok {
			return false
		}
		val, ok := fv.FilterField(pred.Field)
		if !ok {
			return false
		}
		return evalValue(pred.Op, pred.Value, val)
	}
	return evalPacketField(pred, in)
}

func packetLayerPresent(protocol string, in Input) bool {
	if in.L4 == nil {
		return false
	}
	switch protocol {
	case "ipv4":
		return len(in.L4.Src.IP) == 4 || in.L4.Src.IP.To4() != nil
	case "ipv6":
		return in.L4.Src.IP.To4() == nil
	case "tcp":
		return in.L4.Proto == flowkey.ProtoTCP
	case "udp":
		return in.L4.Proto == flowkey.ProtoUDP
	default:
		return false
	}
}

func evalPacketField(pred Predicate, in Input) bool {
	if in.L4 == nil {
		return false
	}
	var v interface{}
	switch pred.Field {
	case "src_addr":
		v = ipUint(in.L4.Src.IP)
	case "dst_addr":
		v = ipUint(in.L4.Dst.IP)
	case "src_port":
		v = uint64(in.L4.Src.Port)
	case "dst_port":
		v = uint64(in.L4.Dst.Port)
	case "flags":
		v = uint64(in.L4.TCPFlags)
	case "protocol":
		v = uint64(in.L4.Proto)
	default:
		return false
	}
	// CIDR predicates need the raw IP, not its integer form, when the
	// field actually is an address field.
	if pred.Value.Kind == ValueCIDR {
		switch pred.Field {
		case "src_addr":
			return matchCIDR(pred.Op, pred.Value, in.L4.Src.IP)
		case "dst_addr":
			return matchCIDR(pred.Op, pred.Value, in.L4.Dst.IP)
		default:
			return false
		}
	}
	return evalValue(pred.Op, pred.Value, v)
}

func ipUint(ip []byte) uint64 {
	v4 := netIPTo4(ip)
	if v4 == nil {
		return 0
	}
	var out uint64
	for _, b := range v4 {
		out = out<<8 | uint64(b)
	}
	return out
}

func netIPTo4(ip []byte) []byte {
	if len(ip) == 4 {
		return ip
	}
	if len(ip) == 16 && isV4InV6(ip) {
		return ip[12:16]
	}
	return nil
}

func isV4InV6(ip []byte) bool {
	for i := 0; i < 10; i++ {
		if ip[i] != 0 {
			return false
		}
	}
	return ip[10] == 0xff && ip[11] == 0xff
}

func matchCIDR(op BinOp, val Value, ip []byte) bool {
	if val.CIDR == nil {
		return false
	}
	contains := val.CIDR.Contains(ip)
	switch op {
	case OpEq, OpIn:
		return contains
	case OpNe:
		return !contains
	default:
		return false
	}
}

// evalValue compares a concrete field value (uint64, string, or []byte)
// against a predicate's operator and literal.
func evalValue(op BinOp, val Value, field interface{}) bool {
	switch f := field.(type) {
	case uint64:
		return evalIntValue(op, val, f)
	case int:
		return evalIntValue(op, val, uint64(f))
	case string:
		return evalTextValue(op, val, f)
	case []byte:
		return evalBytesValue(op, val, f)
	default:
		return false
	}
}

func evalIntValue(op BinOp, val Value, f uint64) bool {
	switch op {
	case OpEq:
		return f == val.Int
	case OpNe:
		return f != val.Int
	case OpGe:
		return f >= val.Int
	case OpLe:
		return f <= val.Int
	case OpGt:
		return f > val.Int
	case OpLt:
		return f < val.Int
	case OpIn:
		return f >= val.RangeFrom && f <= val.RangeTo
	default:
		return false
	}
}

func evalTextValue(op BinOp, val Value, f string) bool {
	switch op {
	case OpEq:
		return f == val.Text
	case OpNe:
		return f != val.Text
	case OpContains:
		return containsSubstring(f, val.Text)
	case OpNotContains:
		return !containsSubstring(f, val.Text)
	case OpMatches:
		return matchesRegex(val.Text, f)
	default:
		return false
	}
}

func evalBytesValue(op BinOp, val Value, f []byte) bool {
	switch op {
	case OpMatches:
		return bytesContain(f, val.Bytes)
	case OpEq:
		return bytesEqual(f, val.Bytes)
	default:
		return false
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func bytesContain(haystack, needle []byte) bool {
	if len(needle) == 0 {
		return true
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if bytesEqual(haystack[i:i+len(needle)], needle) {
			return true
		}
	}
	return false
}
