// Package virtqueue implements the driver side of a legacy virtio split
// queue: a descriptor table, an available ring and a used ring laid out in
// one DMA region, plus the bookkeeping needed to stage scatter-gather lists,
// publish them as descriptor chains and reclaim completed chains.
// This package does not make assumptions about the transport that carries
// notifications; the owner supplies a notify hook and drives the wake signal
// from its interrupt handlers.
package virtqueue
