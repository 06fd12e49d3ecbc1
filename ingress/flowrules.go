package ingress

import "github.com/flowtap/flowtap/filter"

// NoopFlowRuleInstaller implements filter.FlowRuleInstaller for capture
// backends (like libpcap) with no hardware offload path: every filter
// still compiles and runs entirely in software, flow rules are simply
// never pushed to a NIC.
type NoopFlowRuleInstaller struct{}

// Install always succeeds without installing anything.
func (NoopFlowRuleInstaller) Install(rules []filter.FlowRule) error { return nil }

// Flush always succeeds; there is never anything installed to remove.
func (NoopFlowRuleInstaller) Flush() error { return nil }
