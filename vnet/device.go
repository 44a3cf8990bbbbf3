// Package vnet implements the virtio network device datapath: per-CPU receive
// poll tasks, the transmit path with checksum and TSO offload construction,
// receive parsing with optional mergeable buffers, the refill discipline and
// per-queue statistics.
package vnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/virtio/dma"
	"github.com/slackhq/virtio/ifnet"
	"github.com/slackhq/virtio/pci"
	"github.com/slackhq/virtio/transport"
	"github.com/slackhq/virtio/virtio"
	"github.com/slackhq/virtio/virtqueue"
)

var (
	// ErrNoQueuePairs is returned when the device exposes no usable RX/TX
	// queue pair.
	ErrNoQueuePairs = errors.New("device exposes no RX/TX queue pair")

	// ErrNoBufs is returned when the transmit ring has no room and no
	// completions are pending. The caller decides whether to retry or drop.
	ErrNoBufs = errors.New("transmit ring full")

	// ErrMalformedPacket is returned when offload construction could not pull
	// up the required headers.
	ErrMalformedPacket = errors.New("malformed packet")
)

// Config is the device-specific configuration space of a network device.
type Config struct {
	MAC               [6]byte
	Status            uint16
	MaxVirtqueuePairs uint16
}

// rxq is one receive queue with its poll task state.
type rxq struct {
	vq    *virtqueue.Vring
	cpu   int
	stats RxStats
}

// txq is one transmit queue.
type txq struct {
	vq    *virtqueue.Vring
	stats TxStats
}

// Device is a virtio network device.
type Device struct {
	l    *logrus.Logger
	drv  *transport.Driver
	ifn  *ifnet.Interface
	opts options

	cfg Config

	rxq []*rxq
	txq []*txq

	// txRingLock serializes the whole enqueue+publish+kick sequence. Held
	// only for the brief critical section, never across a suspension.
	txRingLock sync.Mutex

	hdrSize int

	mergeableBufs bool
	status        bool
	tsoEcn        bool
	hostTsoEcn    bool
	csum          bool
	guestCsum     bool
	guestTso4     bool
	hostTso4      bool
	guestUfo      bool
	mq            bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// netDriverFeatures is the feature set this driver offers for negotiation.
func netDriverFeatures() virtio.Feature {
	return virtio.FeatureRingIndirectDesc | virtio.FeatureRingEventIdx |
		virtio.FeatureNetMAC |
		virtio.FeatureNetMergeRXBuffers |
		virtio.FeatureNetStatus |
		virtio.FeatureNetCsum |
		virtio.FeatureNetGuestCsum |
		virtio.FeatureNetGuestTSO4 |
		virtio.FeatureNetHostECN |
		virtio.FeatureNetHostTSO4 |
		virtio.FeatureNetGuestECN |
		virtio.FeatureNetGuestUFO |
		virtio.FeatureNetMQ
}

// NewDevice probes the network device on the given PCI function, attaches an
// eth<N> interface and starts the receive poll tasks.
//
// Remember to call [Device.Close] after use to free up resources.
func NewDevice(l *logrus.Logger, pciDev pci.Device, alloc dma.Allocator, options ...Option) (_ *Device, err error) {
	opts := optionDefaults
	opts.apply(options)
	if err = opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	drv, err := transport.NewDriver(l, pciDev, alloc)
	if err != nil {
		return nil, fmt.Errorf("bind transport: %w", err)
	}

	dev := &Device{
		l:    l,
		drv:  drv,
		opts: opts,
	}
	dev.ctx, dev.cancel = context.WithCancel(context.Background())

	// Clean up a partially initialized device when something fails.
	defer func() {
		if err != nil {
			_ = dev.Close()
			drv.MarkFailed()
		}
	}()

	drv.SetupFeatures(netDriverFeatures())
	dev.readConfig()

	dev.hdrSize = virtio.NetHdrSize
	if dev.mergeableBufs {
		dev.hdrSize = virtio.NetHdrMrgSize
	}

	if err = drv.ProbeVirtQueues(2 * opts.queuePairs); err != nil {
		return nil, fmt.Errorf("probe virtqueues: %w", err)
	}
	pairs := drv.NumQueues() / 2
	if pairs == 0 {
		return nil, ErrNoQueuePairs
	}

	for idx := 0; idx < pairs; idx++ {
		dev.rxq = append(dev.rxq, &rxq{vq: drv.Queue(2 * idx), cpu: idx})
		dev.txq = append(dev.txq, &txq{vq: drv.Queue(2*idx + 1)})
	}

	dev.setupInterface()

	// Start the poll tasks before attaching them to the RX interrupts.
	for idx := 0; idx < pairs; idx++ {
		dev.wg.Add(1)
		go dev.receiver(idx)
	}

	dev.ifn.Attach(net.HardwareAddr(dev.cfg.MAC[:]), opts.registry)

	if err = dev.registerInterrupts(); err != nil {
		return nil, fmt.Errorf("register interrupts: %w", err)
	}

	for idx := 0; idx < pairs; idx++ {
		dev.fillRxRing(idx)
	}

	drv.SetDriverOK()

	l.WithFields(logrus.Fields{
		"interface": dev.ifn.Name(),
		"mac":       dev.ifn.MAC().String(),
		"pairs":     pairs,
		"mergeable": dev.mergeableBufs,
	}).Info("virtio-net up")

	return dev, nil
}

// readConfig latches the negotiated feature booleans and reads the device
// configuration space.
func (dev *Device) readConfig() {
	drv := dev.drv

	dev.mergeableBufs = drv.HasGuestFeature(virtio.FeatureNetMergeRXBuffers)
	dev.status = drv.HasGuestFeature(virtio.FeatureNetStatus)
	dev.tsoEcn = drv.HasGuestFeature(virtio.FeatureNetGuestECN)
	dev.hostTsoEcn = drv.HasGuestFeature(virtio.FeatureNetHostECN)
	dev.csum = drv.HasGuestFeature(virtio.FeatureNetCsum)
	dev.guestCsum = drv.HasGuestFeature(virtio.FeatureNetGuestCsum)
	dev.guestTso4 = drv.HasGuestFeature(virtio.FeatureNetGuestTSO4)
	dev.hostTso4 = drv.HasGuestFeature(virtio.FeatureNetHostTSO4)
	dev.guestUfo = drv.HasGuestFeature(virtio.FeatureNetGuestUFO)
	dev.mq = drv.HasGuestFeature(virtio.FeatureNetMQ)

	var raw [10]byte
	drv.ReadDevConfig(0, raw[:])
	copy(dev.cfg.MAC[:], raw[0:6])
	dev.cfg.Status = uint16(raw[6]) | uint16(raw[7])<<8
	dev.cfg.MaxVirtqueuePairs = uint16(raw[8]) | uint16(raw[9])<<8

	if drv.HasGuestFeature(virtio.FeatureNetMAC) {
		dev.l.WithField("mac", net.HardwareAddr(dev.cfg.MAC[:]).String()).Info("Device MAC address")
	}
	dev.l.WithFields(logrus.Fields{
		"status":          dev.status,
		"csum":            dev.csum,
		"guest_csum":      dev.guestCsum,
		"guest_tso4":      dev.guestTso4,
		"host_tso4":       dev.hostTso4,
		"guest_ecn":       dev.tsoEcn,
		"host_ecn":        dev.hostTsoEcn,
		"guest_ufo":       dev.guestUfo,
		"mq":              dev.mq,
		"max_queue_pairs": dev.cfg.MaxVirtqueuePairs,
	}).Debug("Negotiated net features")
}

// setupInterface builds the eth<N> surface: capabilities from the negotiated
// features, the transmit hook and the statistics callback.
func (dev *Device) setupInterface() {
	ifn := ifnet.Alloc()
	ifn.MTU = ifnet.EtherMTU
	ifn.Flags = ifnet.FlagBroadcast

	sndLen := 0
	for _, q := range dev.txq {
		sndLen += q.vq.Size()
	}
	ifn.SndMaxLen = sndLen

	caps := uint32(0)
	if dev.csum {
		caps |= ifnet.CapTXCsum
		if dev.hostTso4 {
			caps |= ifnet.CapTSO4
		}
	}
	if dev.guestCsum {
		caps |= ifnet.CapRXCsum
		if dev.guestTso4 {
			caps |= ifnet.CapLRO
		}
	}
	ifn.Capabilities = caps
	ifn.SetCapEnable(caps)

	ifn.SetTransmit(dev.Transmit)
	ifn.SetGetInfo(dev.FillStats)

	dev.ifn = ifn
}

// registerInterrupts wires the queue interrupts: with MSI-X, RX vector 2i
// disables that queue's interrupts and wakes poll task i, TX vector 2i+1 only
// disables interrupts (completions are reclaimed lazily on the next
// transmit). Without MSI-X the shared line ack reads the ISR and the handler
// wakes the poll tasks.
func (dev *Device) registerInterrupts() error {
	if dev.drv.IsMSIX() {
		var bindings []pci.MSIXBinding
		for idx := range dev.rxq {
			rx := dev.rxq[idx]
			tx := dev.txq[idx]
			bindings = append(bindings,
				pci.MSIXBinding{
					Vector:     2 * idx,
					PreHandler: rx.vq.DisableInterrupts,
					Wake:       rx.vq.Wake,
				},
				pci.MSIXBinding{
					Vector:     2*idx + 1,
					PreHandler: tx.vq.DisableInterrupts,
				},
			)
		}
		return dev.drv.RegisterMSIX(bindings)
	}

	return dev.drv.RegisterLegacy(dev.ackIRQ, dev.wakeAll)
}

// ackIRQ runs in legacy interrupt context: the ISR read clears the line and
// reports whether the interrupt was ours; RX interrupts are disabled until
// the poll tasks catch up.
func (dev *Device) ackIRQ() bool {
	if dev.drv.ReadISR() == 0 {
		return false
	}
	for _, q := range dev.rxq {
		q.vq.DisableInterrupts()
	}
	return true
}

func (dev *Device) wakeAll() {
	for _, q := range dev.rxq {
		q.vq.Wake()
	}
}

// Interface returns the attached upper-layer interface.
func (dev *Device) Interface() *ifnet.Interface {
	return dev.ifn
}

// DeviceConfig returns the parsed device configuration space.
func (dev *Device) DeviceConfig() Config {
	return dev.cfg
}

// QueuePairs returns the number of usable RX/TX pairs.
func (dev *Device) QueuePairs() int {
	return len(dev.rxq)
}

// Close detaches the interface, stops the poll tasks and resets the device.
// In-flight completions after detach are discarded.
func (dev *Device) Close() error {
	if dev.ifn != nil {
		dev.ifn.Detach()
	}

	dev.cancel()
	for _, q := range dev.rxq {
		q.vq.Wake()
	}
	dev.wg.Wait()

	// Drop transmit cookies that never completed, freeing their packets.
	dev.txRingLock.Lock()
	for idx := range dev.txq {
		dev.txGC(idx)
	}
	dev.txRingLock.Unlock()

	if err := dev.drv.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}
