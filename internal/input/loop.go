package input

import (
	"runtime/debug"
	"time"

	"keyshell/internal/keys"
)

// generation is one run of the dispatch loop. At most one generation is
// live at a time; the loop only exits after re-checking its stop flag under
// loopMu, so Listen can revive a generation that has been asked to stop but
// has not yet exited.
type generation struct {
	id   uint64
	stop bool // guarded by Processor.loopMu
	done chan struct{}
}

// Listen starts the dispatch loop. Calling it while a loop is running keeps
// the running loop (and cancels a pending StopListen), so two loops never
// consume the queue at once.
func (p *Processor) Listen() {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()

	if p.gen != nil {
		if p.gen.stop {
			p.logger.Debug("dispatch loop revived", "generation", p.gen.id)
		}
		p.gen.stop = false
		return
	}

	p.nextID++
	g := &generation{id: p.nextID, done: make(chan struct{})}
	p.gen = g
	p.logger.Debug("dispatch loop starting", "generation", g.id)
	go p.eventLoop(g)
}

// StopListen asks the running loop to exit after the event in flight. It
// does not wait; use Wait for that.
func (p *Processor) StopListen() {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()

	if p.gen != nil {
		p.gen.stop = true
	}
}

// Listening reports whether a dispatch loop is running and not stopping.
func (p *Processor) Listening() bool {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()
	return p.gen != nil && !p.gen.stop
}

// Wait blocks until the running loop, if any, has exited. It must not be
// called from a callback.
func (p *Processor) Wait() {
	p.loopMu.Lock()
	g := p.gen
	p.loopMu.Unlock()
	if g != nil {
		<-g.done
	}
}

// shouldExit retires the generation if it has been asked to stop.
func (p *Processor) shouldExit(g *generation) bool {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()

	if !g.stop {
		return false
	}
	if p.gen == g {
		p.gen = nil
	}
	close(g.done)
	p.logger.Debug("dispatch loop stopped", "generation", g.id)
	return true
}

func (p *Processor) eventLoop(g *generation) {
	for !p.shouldExit(g) {
		p.metrics.UpdateUptime()

		if p.CurrentProxy() == nil {
			time.Sleep(p.cfg.PollInterval)
			continue
		}

		ev, ok := p.queue.pop(p.cfg.PollInterval)
		if !ok {
			continue
		}
		p.metrics.QueueDepth.Set(int64(p.queue.len()))
		p.processEvent(ev)
	}
}

// processEvent is the outer fault boundary of the loop. Callback faults are
// contained closer to the callback; this catches everything else.
func (p *Processor) processEvent(ev keys.Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event processing panicked",
				"event", ev.String(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if err := ev.Validate(); err != nil {
		p.metrics.MalformedEvents.Inc()
		p.logger.Warn("dropping malformed event", "error", err)
		return
	}

	p.dispatch(ev)
}
