package filter

import "net"

// FlowRule is a hardware-offload flow-match candidate extracted from an
// equality-only pattern: a conjunct entirely composed of exact-match
// IPv4/IPv6/TCP/UDP header predicates, which a NIC's flow-steering
// engine can evaluate without involving the software pipeline at all.
type FlowRule struct {
	SrcCIDR  *net.IPNet
	DstCIDR  *net.IPNet
	SrcPort  *uint16
	DstPort  *uint16
	Proto    string // "tcp" or "udp", empty if unconstrained
}

// FlowRuleInstaller is implemented by a capture backend capable of
// pushing flow-steering rules into hardware. Real NIC/DPDK offload is
// out of scope; the default implementation used by ingress is a no-op
// that always reports success, matching the pluggable-no-op contract
// described for this layer.
type FlowRuleInstaller interface {
	// Install pushes rules to hardware, replacing any previously
	// installed set. A non-nil error means none of rules took effect.
	Install(rules []FlowRule) error
	// Flush removes every previously installed rule; called when
	// Install fails partway, so hardware and software state never
	// diverge (validate-then-install-or-flush-all-on-error).
	Flush() error
}

// FlowRules returns the hardware-offload candidates extracted during
// compilation.
func (c *Compiled) FlowRules() []FlowRule { return c.flowRules }

// ApplyFlowRules pushes Compiled's flow-rule candidates to inst. On
// failure it flushes whatever may have been partially installed, so a
// failed offload attempt never leaves stale hardware state for packets
// the software pipeline is no longer expecting to see.
func (c *Compiled) ApplyFlowRules(inst FlowRuleInstaller) error {
	if len(c.flowRules) == 0 {
		return nil
	}
	if err := inst.Install(c.flowRules); err != nil {
		if ferr := inst.Flush(); ferr != nil {
			return ferr
		}
		return err
	}
	return nil
}

// extractFlowRules walks each pattern looking for conjuncts composed
// entirely of equality predicates on ipv4/ipv6/tcp/udp header fields;
// any other predicate in the same pattern (a session-layer field, a
// range, a regex) disqualifies the whole pattern from hardware offload,
// since the NIC has no way to evaluate it.
func extractFlowRules(patterns []Pattern) []FlowRule {
	var rules []FlowRule
	for _, pat := range patterns {
		if rule, ok := flowRuleFromPattern(pat); ok {
			rules = append(rules, rule)
		}
	}
	return rules
}

func flowRuleFromPattern(pat Pattern) (FlowRule, bool) {
	var rule FlowRule
	for _, pred := range pat {
		if pred.Unary {
			if pred.Protocol != "ipv4" && pred.Protocol != "ipv6" && pred.Protocol != "tcp" && pred.Protocol != "udp" {
				return FlowRule{}, false
			}
			continue
		}
		if pred.Op != OpEq {
			return FlowRule{}, false
		}
		switch pred.Protocol {
		case "ipv4", "ipv6":
			if pred.Value.Kind != ValueCIDR {
				return FlowRule{}, false
			}
			switch pred.Field {
			case "src_addr":
				rule.SrcCIDR = pred.Value.CIDR
			case "dst_addr":
				rule.DstCIDR = pred.Value.CIDR
			default:
				return FlowRule{}, false
			}
		case "tcp", "udp":
			rule.Proto = pred.Protocol
			if pred.Value.Kind != ValueInt {
				return FlowRule{}, false
			}
			port := uint16(pred.Value.Int)
			switch pred.Field {
			case "src_port":
				rule.SrcPort = &port
			case "dst_port":
				rule.DstPort = &port
			default:
				return FlowRule{}, false
			}
		default:
			return FlowRule{}, false
		}
	}
	if rule.SrcCIDR == nil && rule.DstCIDR == nil && rule.SrcPort == nil && rule.DstPort == nil {
		return FlowRule{}, false
	}
	return rule, true
}
