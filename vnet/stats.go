package vnet

import "github.com/slackhq/virtio/ifnet"

// RxStats are the receive counters of one queue. They are written by the
// queue's poll task only; readers may observe torn values, which is
// acceptable for statistics.
type RxStats struct {
	RxPackets uint64
	RxBytes   uint64
	RxDrops   uint64
	RxCsumOK  uint64
	RxCsumErr uint64
}

// TxStats are the transmit counters of one queue, written under the transmit
// lock only.
type TxStats struct {
	TxPackets uint64
	TxBytes   uint64
	TxDrops   uint64
	TxErr     uint64
	TxCsum    uint64
	TxTSO     uint64
}

// FillStats aggregates the per-queue counters into an interface-level
// snapshot.
func (d *Device) FillStats(out *ifnet.Data) {
	for idx := range d.rxq {
		d.fillRxQStats(d.rxq[idx], out)
		d.fillTxQStats(d.txq[idx], out)
	}
}

func (d *Device) fillRxQStats(q *rxq, out *ifnet.Data) {
	out.IPackets += q.stats.RxPackets
	out.IBytes += q.stats.RxBytes
	out.IQDrops += q.stats.RxDrops
	out.IErrors += q.stats.RxCsumErr
}

func (d *Device) fillTxQStats(q *txq, out *ifnet.Data) {
	out.OPackets += q.stats.TxPackets
	out.OBytes += q.stats.TxBytes
	out.OErrors += q.stats.TxErr + q.stats.TxDrops
}

// RxQueueStats returns a copy of the receive counters of one queue pair.
func (d *Device) RxQueueStats(idx int) RxStats {
	return d.rxq[idx].stats
}

// TxQueueStats returns a copy of the transmit counters of one queue pair.
func (d *Device) TxQueueStats(idx int) TxStats {
	return d.txq[idx].stats
}
