// Package subscription implements the per-subscription delivery surface:
// a (filter expression, level, callback) triple plus the registry that
// validates a callback's level is legal for the filter stage it would be
// attached to: a Session-level callback can't be attached to a
// Packet-stage subscription.
package subscription

import (
	"github.com/pkg/errors"

	"github.com/flowtap/flowtap/filter"
)

// Level is the granularity at which a subscription's callback expects
// to be invoked.
type Level int

const (
	// Packet delivers once per matching packet.
	Packet Level = iota
	// Connection delivers once per connection, at termination.
	Connection
	// Session delivers once per completed application-layer session.
	Session
	// Streaming delivers incrementally as PDUs arrive, without waiting
	// for a session to complete.
	Streaming
)

func (l Level) String() string {
	switch l {
	case Packet:
		return "packet"
	case Connection:
		return "connection"
	case Session:
		return "session"
	case Streaming:
		return "streaming"
	default:
		return "?"
	}
}

// Stage returns the filter.Stage a subscription at this level compiles
// its filter against.
func (l Level) Stage() filter.Stage {
	switch l {
	case Packet:
		return filter.StagePacketDeliver
	case Connection:
		return filter.StageConnectionDeliver
	case Session, Streaming:
		return filter.StageSession
	default:
		return filter.StagePacketDeliver
	}
}

// Subscription is a user's registered interest: a filter expression, the
// granularity its Callback expects to be invoked at, and the callback
// itself. Data passed to Callback is whatever protocols.Session.Data (or
// a raw packet/connection handle) the delivery stage produces; callers
// downcast via a type switch.
type Subscription struct {
	Filter   string
	Level    Level
	Callback func(interface{}) error

	compiled *filter.Compiled
}

// Compiled returns the subscription's compiled filter, built lazily by
// Registry.Register.
func (s *Subscription) Compiled() *filter.Compiled { return s.compiled }

// Registry holds every active subscription and compiles each one's
// filter against the stage implied by its Level.
type Registry struct {
	subs []*Subscription
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register validates and compiles sub's filter, appending it to the
// registry. A nil Callback or an empty Filter is rejected outright;
// compiling at the wrong stage for sub.Level would silently allow a
// Session-only filter expression to be attached to a Packet-level
// subscription, so the level determines the stage up front rather than
// letting filter.Compile infer it from the expression.
func (r *Registry) Register(sub *Subscription) error {
	if sub.Callback == nil {
		return errors.New("subscription: callback must not be nil")
	}
	if sub.Filter == "" {
		return errors.New("subscription: filter expression must not be empty")
	}
	compiled, err := filter.Compile(sub.Filter, sub.Level.Stage())
	if err != nil {
		return errors.Wrapf(err, "subscription: failed to compile filter %q", sub.Filter)
	}
	sub.compiled = compiled
	r.subs = append(r.subs, sub)
	return nil
}

// All returns every registered subscription.
func (r *Registry) All() []*Subscription {
	return r.subs
}

// ForLevel returns the subset of registered subscriptions at exactly
// level l.
func (r *Registry) ForLevel(l Level) []*Subscription {
	var out []*Subscription
	for _, s := range r.subs {
		if s.Level == l {
			out = append(out, s)
		}
	}
	return out
}

// Protocols returns the union of session protocols referenced by every
// registered subscription's filter.
func (r *Registry) Protocols() []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range r.subs {
		for _, p := range s.compiled.Protocols() {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}
