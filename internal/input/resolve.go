package input

import (
	"fmt"
	"runtime/debug"
	"time"

	"keyshell/internal/action"
	"keyshell/internal/keys"
)

// Tier is a keymap consulted during resolution, in priority order.
type Tier int

const (
	TierNone Tier = iota
	TierGlobal
	TierNonmaskable
	TierBacklight
	TierSimple
	TierMaskable
	TierStreaming
)

func (t Tier) String() string {
	switch t {
	case TierGlobal:
		return "global"
	case TierNonmaskable:
		return "nonmaskable"
	case TierBacklight:
		return "backlight"
	case TierSimple:
		return "simple"
	case TierMaskable:
		return "maskable"
	case TierStreaming:
		return "streaming"
	default:
		return "none"
	}
}

// Fault describes a callback that panicked or returned an error.
type Fault struct {
	Time     time.Time `json:"time"`
	Tier     string    `json:"tier"`
	Key      keys.ID   `json:"key"`
	State    string    `json:"state"`
	Context  string    `json:"context"`
	Callback string    `json:"callback"`
	Error    string    `json:"error"`
	Panic    bool      `json:"panic"`
	Stack    string    `json:"stack,omitempty"`
}

// FaultReporter receives callback faults after they have been logged.
type FaultReporter interface {
	ReportFault(f Fault)
}

// FaultReporterFunc adapts a function to FaultReporter.
type FaultReporterFunc func(f Fault)

// ReportFault implements FaultReporter.
func (fn FaultReporterFunc) ReportFault(f Fault) {
	fn(f)
}

// resolution is the outcome of looking an event up in the keymap chain.
type resolution struct {
	tier    Tier
	cb      action.Callback
	context string
}

// resolve walks the keymap chain for ev: global, nonmaskable, backlight
// gate, simple, maskable, streaming. The first tier that claims the event
// wins. proxy may be nil.
//
// A key bound both globally and in the proxy's nonmaskable keymap goes to
// the nonmaskable callback unless the global binding forces global
// processing.
func (p *Processor) resolve(ev keys.Event, proxy *Proxy) resolution {
	p.mu.RLock()
	global, hasGlobal := p.globalKeymap[ev.Key]
	gate := p.backlight
	p.mu.RUnlock()

	var ctx string
	if proxy != nil {
		ctx = proxy.Context()
	}

	var nonmaskable action.Binding
	hasNonmaskable := false
	if proxy != nil {
		nonmaskable, hasNonmaskable = proxy.lookup(TierNonmaskable, ev.Key)
	}

	if hasGlobal && (!hasNonmaskable || (global != nil && global.ForcesGlobal())) {
		return resolution{tier: TierGlobal, cb: action.Unwrap(global), context: ctx}
	}
	if hasNonmaskable {
		return resolution{tier: TierNonmaskable, cb: action.Unwrap(nonmaskable), context: ctx}
	}

	if gate != nil && p.backlightWasOff(gate) {
		return resolution{tier: TierBacklight, context: ctx}
	}

	if proxy == nil {
		return resolution{tier: TierNone}
	}
	if b, ok := proxy.lookup(TierSimple, ev.Key); ok {
		return resolution{tier: TierSimple, cb: action.Unwrap(b), context: ctx}
	}
	if b, ok := proxy.lookup(TierMaskable, ev.Key); ok {
		return resolution{tier: TierMaskable, cb: action.Unwrap(b), context: ctx}
	}
	if b := proxy.streamingHook(); b != nil {
		return resolution{tier: TierStreaming, cb: action.Unwrap(b), context: ctx}
	}
	return resolution{tier: TierNone, context: ctx}
}

// backlightWasOff calls the gate. A failing gate counts as "was on" so a
// broken backlight never eats input.
func (p *Processor) backlightWasOff(gate func() bool) (off bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("backlight gate panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			off = false
		}
	}()
	return gate()
}

func (p *Processor) dispatch(ev keys.Event) {
	res := p.resolve(ev, p.CurrentProxy())

	switch res.tier {
	case TierNone:
		p.metrics.EventsDropped.Inc()
		p.logger.Debug("key has no handlers, ignored", "key", ev.Key, "state", ev.State)
		return
	case TierBacklight:
		p.metrics.EventsSwallowed.Inc()
		p.logger.Debug("key consumed by backlight", "key", ev.Key)
		return
	}

	p.invoke(res, ev)
}

// invoke runs the resolved callback with its calling convention. Panics and
// errors stop at this boundary; the loop moves on to the next event.
func (p *Processor) invoke(res resolution, ev keys.Event) {
	cb := res.cb
	if cb.IsNil() {
		p.metrics.EventsDropped.Inc()
		p.logger.Warn("nil callback bound to key",
			"tier", res.tier.String(),
			"key", ev.Key,
			"context", res.context,
		)
		return
	}
	if !cb.Accepts(ev.State) {
		p.metrics.EventsSkipped.Inc()
		return
	}

	p.logger.Info("processing callback",
		"tier", res.tier.String(),
		"key", ev.Key,
		"state", ev.State.String(),
		"context", res.context,
	)
	p.logger.Debug("callback details",
		"callback", cb.Name(),
		"convention", cb.Convention().String(),
	)

	start := time.Now()
	defer func() {
		p.metrics.RecordDispatch(res.tier.String(), time.Since(start))
		if r := recover(); r != nil {
			p.fault(res, ev, fmt.Sprint(r), true, string(debug.Stack()))
		}
	}()

	// The callback's convention decides which of key and state it sees.
	if err := cb.Call(ev.Key, ev.State); err != nil {
		p.fault(res, ev, err.Error(), false, "")
	}
}

func (p *Processor) fault(res resolution, ev keys.Event, msg string, panicked bool, stack string) {
	p.metrics.HandlerFaults.Inc()

	f := Fault{
		Time:     time.Now(),
		Tier:     res.tier.String(),
		Key:      ev.Key,
		State:    ev.State.String(),
		Context:  res.context,
		Callback: res.cb.Name(),
		Error:    msg,
		Panic:    panicked,
		Stack:    stack,
	}

	attrs := []any{
		"tier", f.Tier,
		"key", f.Key,
		"state", f.State,
		"context", f.Context,
		"callback", f.Callback,
		"error", f.Error,
	}
	if panicked {
		attrs = append(attrs, "stack", stack)
		p.logger.Error("callback panicked", attrs...)
	} else {
		p.logger.Error("callback failed", attrs...)
	}

	if p.cfg.Faults != nil {
		p.cfg.Faults.ReportFault(f)
	}
}
