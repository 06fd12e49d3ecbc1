package conntrack

import (
	"time"

	"github.com/flowtap/flowtap/buffer"
	"github.com/flowtap/flowtap/flowkey"
	"github.com/flowtap/flowtap/headers"
)

// PacketDelivery is handed to a Packet-level subscription callback for
// every packet its filter matches.
type PacketDelivery struct {
	Five flowkey.FiveTuple
	L4   headers.L4Context
}

// ConnectionDelivery is handed to a Connection-level subscription
// callback when a tracked connection terminates. Packets is whatever
// this connection cached via PacketCache; each frame's reference is
// released once every subscribed callback has returned, so a callback
// must not retain a Packets entry past the call.
type ConnectionDelivery struct {
	Five        flowkey.FiveTuple
	LastSeen    time.Time
	Packets     []*buffer.Frame
	UserTracked any
}
