// Package capture implements the RX/TX engine abstraction that feeds
// ingress workers: a pluggable packet source (offline pcap file or live
// interface) that buffers decoded frames into a channel and hands them
// out in bursts, mirroring the poll-then-burst shape of a hardware NIC
// driver closely enough that the ingress loop doesn't need to know which
// one it's talking to.
package capture

import (
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"

	"github.com/flowtap/flowtap/buffer"
	"github.com/flowtap/flowtap/printer"
)

// defaultSnapLen matches tcpdump's default snapshot length.
const defaultSnapLen = 262144

// RXEngine is the read side of the capture abstraction. RxBurst polls for
// up to max newly available frames, returning immediately with however
// many are ready rather than blocking for a full burst; an empty, nil-
// error result means no frame is ready, either because the engine is
// idle or because its source is exhausted or closed.
type RXEngine interface {
	RxBurst(max int) ([]*buffer.Frame, error)
	Close() error
}

// pcapEngine backs RXEngine with gopacket/pcap, covering both offline
// (-r a capture file) and live (-i an interface) modes: the only
// difference is how the handle is opened.
type pcapEngine struct {
	handle  *pcap.Handle
	packets chan gopacket.Packet
	done    chan struct{}
}

// OpenLive opens a live capture on iface in promiscuous mode with a
// block-forever read timeout.
func OpenLive(iface string, bpfFilter string) (RXEngine, error) {
	handle, err := pcap.OpenLive(iface, defaultSnapLen, true, pcap.BlockForever)
	if err != nil {
		return nil, errors.Wrapf(err, "capture: failed to open live interface %s", iface)
	}
	return newPcapEngine(handle, bpfFilter)
}

// OpenOffline opens a pcap file for replay.
func OpenOffline(path string, bpfFilter string) (RXEngine, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, errors.Wrapf(err, "capture: failed to open pcap file %s", path)
	}
	return newPcapEngine(handle, bpfFilter)
}

func newPcapEngine(handle *pcap.Handle, bpfFilter string) (RXEngine, error) {
	if bpfFilter != "" {
		if err := handle.SetBPFFilter(bpfFilter); err != nil {
			handle.Close()
			return nil, errors.Wrap(err, "capture: failed to set BPF filter")
		}
	}
	source := gopacket.NewPacketSource(handle, handle.LinkType())
	e := &pcapEngine{
		handle:  handle,
		packets: make(chan gopacket.Packet, 1024),
		done:    make(chan struct{}),
	}
	go e.pump(source.Packets())
	return e, nil
}

// pump drains the gopacket channel into e.packets until either the source
// is exhausted (offline EOF) or Close is called.
func (e *pcapEngine) pump(src <-chan gopacket.Packet) {
	defer close(e.packets)
	for {
		select {
		case <-e.done:
			return
		case pkt, ok := <-src:
			if !ok {
				return
			}
			select {
			case e.packets <- pkt:
			case <-e.done:
				return
			}
		}
	}
}

// RxBurst drains up to max frames already buffered in e.packets. The
// first call blocks briefly for at least one packet (matching a
// poll-style driver, which would otherwise spin); subsequent packets in
// the same burst are taken only if already available.
func (e *pcapEngine) RxBurst(max int) ([]*buffer.Frame, error) {
	if max <= 0 {
		return nil, nil
	}
	out := make([]*buffer.Frame, 0, max)

	select {
	case pkt, ok := <-e.packets:
		if !ok {
			return out, nil
		}
		out = append(out, toFrame(pkt))
	case <-time.After(50 * time.Millisecond):
		return out, nil
	}

	for len(out) < max {
		select {
		case pkt, ok := <-e.packets:
			if !ok {
				return out, nil
			}
			out = append(out, toFrame(pkt))
		default:
			return out, nil
		}
	}
	return out, nil
}

func toFrame(pkt gopacket.Packet) *buffer.Frame {
	return buffer.New(pkt.Data(), pkt.Metadata().CaptureInfo, nil)
}

func (e *pcapEngine) Close() error {
	close(e.done)
	e.handle.Close()
	return nil
}

// InterfaceAddrs returns the host IPs bound to iface, used to decide
// packet direction for interfaces with no gateway-level hint.
func InterfaceAddrs(ifaceName string) ([]net.IP, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, errors.Wrapf(err, "capture: no network interface named %s", ifaceName)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, errors.Wrapf(err, "capture: failed to get addresses on interface %s", iface.Name)
	}
	hostIPs := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		switch a := addr.(type) {
		case *net.IPNet:
			hostIPs = append(hostIPs, a.IP)
		default:
			printer.V(6).Warningf("capture: ignoring address of unknown type: %v\n", addr)
		}
	}
	return hostIPs, nil
}
