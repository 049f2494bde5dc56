package input

import (
	"time"

	"keyshell/internal/keys"
)

// queue is a bounded FIFO shared by every driver. Pushes block while it is
// full so no event is lost, unless the pushing driver is being detached.
type queue struct {
	ch chan keys.Event
}

func newQueue(size int) *queue {
	return &queue{ch: make(chan keys.Event, size)}
}

// push waits for room in the queue. It gives up and returns false once
// cancel is closed.
func (q *queue) push(ev keys.Event, cancel <-chan struct{}) bool {
	select {
	case <-cancel:
		return false
	default:
	}

	select {
	case q.ch <- ev:
		return true
	case <-cancel:
		return false
	}
}

// pop waits up to timeout for the next event.
func (q *queue) pop(timeout time.Duration) (keys.Event, bool) {
	select {
	case ev := <-q.ch:
		return ev, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-q.ch:
		return ev, true
	case <-timer.C:
		return keys.Event{}, false
	}
}

func (q *queue) len() int {
	return len(q.ch)
}

// receiveKey queues an event from the driver behind e. It is installed,
// bound to its entry, as every attached driver's send function.
func (p *Processor) receiveKey(e *driverEntry, key keys.ID, state keys.State) {
	p.metrics.EventsReceived.Inc()
	if !p.queue.push(keys.Event{Key: key, State: state}, e.halted) {
		p.metrics.EventsDropped.Inc()
		p.logger.Debug("event dropped, driver is detaching", "driver", e.name, "key", key)
		return
	}
	p.metrics.QueueDepth.Set(int64(p.queue.len()))
}
