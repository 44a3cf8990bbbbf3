package virtqueue

import "sync/atomic"

// The rings are shared with the device, so descriptor writes must be visible
// before the index that publishes them, and an observed index must be visible
// before the entries it covers are read. Go offers no standalone fence; an
// atomic read-modify-write on a package-level word is a full barrier on all
// supported targets and stands in for wmb/rmb here.
var fenceWord uint32

// storeFence orders all prior stores before any later store.
func storeFence() {
	atomic.AddUint32(&fenceWord, 0)
}

// loadFence orders all prior loads before any later load.
func loadFence() {
	atomic.AddUint32(&fenceWord, 0)
}
