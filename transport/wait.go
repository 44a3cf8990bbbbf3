package transport

import (
	"context"

	"github.com/slackhq/virtio/virtqueue"
)

// WaitForQueue blocks the caller until the predicate holds for the queue.
//
// The interrupt-enable-then-recheck discipline closes the race where a
// completion arrives between a negative predicate check and the suspension:
// without the second check its interrupt could be consumed before the caller
// sleeps and the wakeup would be lost.
func WaitForQueue(ctx context.Context, queue *virtqueue.Vring, pred func(*virtqueue.Vring) bool) error {
	for {
		if pred(queue) {
			return nil
		}

		queue.EnableInterrupts()

		// We must check the predicate again *after* we enable interrupts to
		// avoid a race where a completion may have been delivered between the
		// check above and enable_interrupts.
		if pred(queue) {
			queue.DisableInterrupts()
			return nil
		}

		select {
		case <-queue.WakeC():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
