// Package ifnet is the upper-layer surface the network driver attaches to:
// interface naming, capabilities, the fast-path classifier and the generic
// input hook. The real network stack lives above this contract.
package ifnet

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/slackhq/virtio/mbuf"
)

// EtherMTU is the default MTU of an ethernet interface.
const EtherMTU = 1500

// EtherHdrLen is the length of an untagged ethernet header.
const EtherHdrLen = 14

// Interface capability bits, advertised from negotiated device features.
const (
	CapTXCsum = 1 << 0
	CapTSO4   = 1 << 1
	CapRXCsum = 1 << 2
	CapLRO    = 1 << 3
)

// Interface flags.
const (
	FlagBroadcast = 1 << 0
)

// instance is the process-wide interface counter behind eth<N> names. It
// lives for the whole subsystem lifetime.
var instance atomic.Int32

// Data is a point-in-time aggregation of interface statistics.
type Data struct {
	IPackets uint64
	IBytes   uint64
	IQDrops  uint64
	IErrors  uint64
	OPackets uint64
	OBytes   uint64
	OErrors  uint64
}

// Classifier is the upper layer's fast-path hook. It reports whether it
// consumed the packet; when it declines, the packet goes to the input hook.
type Classifier func(pkt *mbuf.Mbuf) bool

// InputFunc is the generic input hook packets are delivered to synchronously
// when the classifier declines them.
type InputFunc func(ifp *Interface, pkt *mbuf.Mbuf)

// Interface is one attached network interface.
type Interface struct {
	name string

	MTU       int
	Flags     uint32
	SndMaxLen int

	mac net.HardwareAddr

	// Capabilities the driver advertises and the subset currently enabled.
	Capabilities uint32
	capEnable    atomic.Uint32

	running atomic.Bool

	mu         sync.Mutex
	classifier Classifier
	input      InputFunc
	getinfo    func(*Data)
	transmit   func(pkt *mbuf.Mbuf) error

	registry metrics.Registry
	gauges   []string
}

// Alloc reserves the next eth<N> name and returns an unattached interface.
func Alloc() *Interface {
	id := instance.Add(1) - 1
	return &Interface{
		name: fmt.Sprintf("eth%d", id),
		MTU:  EtherMTU,
	}
}

// Name returns the interface name.
func (ifp *Interface) Name() string {
	return ifp.name
}

// MAC returns the hardware address the interface was attached with.
func (ifp *Interface) MAC() net.HardwareAddr {
	return ifp.mac
}

// SetCapEnable replaces the enabled capability set.
func (ifp *Interface) SetCapEnable(caps uint32) {
	ifp.capEnable.Store(caps)
}

// CapEnable returns the enabled capability set.
func (ifp *Interface) CapEnable() uint32 {
	return ifp.capEnable.Load()
}

// SetClassifier installs the upper layer's fast-path hook.
func (ifp *Interface) SetClassifier(c Classifier) {
	ifp.mu.Lock()
	defer ifp.mu.Unlock()
	ifp.classifier = c
}

// SetInput installs the generic input hook.
func (ifp *Interface) SetInput(in InputFunc) {
	ifp.mu.Lock()
	defer ifp.mu.Unlock()
	ifp.input = in
}

// SetGetInfo installs the driver's statistics callback, see
// [Interface.GetInfo].
func (ifp *Interface) SetGetInfo(fn func(*Data)) {
	ifp.mu.Lock()
	defer ifp.mu.Unlock()
	ifp.getinfo = fn
}

// SetTransmit installs the driver's transmit entry point.
func (ifp *Interface) SetTransmit(fn func(pkt *mbuf.Mbuf) error) {
	ifp.mu.Lock()
	defer ifp.mu.Unlock()
	ifp.transmit = fn
}

// Transmit hands a packet to the driver.
func (ifp *Interface) Transmit(pkt *mbuf.Mbuf) error {
	ifp.mu.Lock()
	fn := ifp.transmit
	ifp.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("%s: no transmit hook attached", ifp.name)
	}
	return fn(pkt)
}

// Deliver passes a received packet up the stack: the classifier first, the
// generic input hook when it declines.
func (ifp *Interface) Deliver(pkt *mbuf.Mbuf) {
	ifp.mu.Lock()
	classifier := ifp.classifier
	input := ifp.input
	ifp.mu.Unlock()

	if classifier != nil && classifier(pkt) {
		return
	}
	if input != nil {
		input(ifp, pkt)
	}
}

// GetInfo aggregates the driver's statistics into out.
func (ifp *Interface) GetInfo(out *Data) {
	ifp.mu.Lock()
	getinfo := ifp.getinfo
	ifp.mu.Unlock()
	if getinfo != nil {
		getinfo(out)
	}
}

// IsRunning reports whether the interface is administratively up.
func (ifp *Interface) IsRunning() bool {
	return ifp.running.Load()
}

// Up marks the interface running.
func (ifp *Interface) Up() {
	ifp.running.Store(true)
}

// Down stops the interface. Datapath loops observe this mid-batch.
func (ifp *Interface) Down() {
	ifp.running.Store(false)
}

// Attach brings the interface up under the given hardware address and
// registers its counters with the metrics registry.
func (ifp *Interface) Attach(mac net.HardwareAddr, registry metrics.Registry) {
	ifp.mac = mac
	if registry != nil {
		ifp.registry = registry
		ifp.registerGauges()
	}
	ifp.running.Store(true)
}

// Detach takes the interface down and drops its metrics.
func (ifp *Interface) Detach() {
	ifp.running.Store(false)
	if ifp.registry != nil {
		for _, name := range ifp.gauges {
			ifp.registry.Unregister(name)
		}
		ifp.gauges = nil
		ifp.registry = nil
	}
}

func (ifp *Interface) registerGauges() {
	fields := []struct {
		name string
		get  func(*Data) uint64
	}{
		{"rx_packets", func(d *Data) uint64 { return d.IPackets }},
		{"rx_bytes", func(d *Data) uint64 { return d.IBytes }},
		{"rx_drops", func(d *Data) uint64 { return d.IQDrops }},
		{"rx_errors", func(d *Data) uint64 { return d.IErrors }},
		{"tx_packets", func(d *Data) uint64 { return d.OPackets }},
		{"tx_bytes", func(d *Data) uint64 { return d.OBytes }},
		{"tx_errors", func(d *Data) uint64 { return d.OErrors }},
	}
	for _, f := range fields {
		name := fmt.Sprintf("interface.%s.%s", ifp.name, f.name)
		get := f.get
		metrics.NewRegisteredFunctionalGauge(name, ifp.registry, func() int64 {
			var d Data
			ifp.GetInfo(&d)
			return int64(get(&d))
		})
		ifp.gauges = append(ifp.gauges, name)
	}
}
