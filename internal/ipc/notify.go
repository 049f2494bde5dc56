package ipc

import "keyshell/internal/input"

// Notifier turns processor notifications into streamed events. It
// implements input.DriverObserver and input.FaultReporter.
type Notifier struct {
	srv *Server
}

var (
	_ input.DriverObserver = (*Notifier)(nil)
	_ input.FaultReporter  = (*Notifier)(nil)
)

// NewNotifier creates a notifier broadcasting through srv.
func NewNotifier(srv *Server) *Notifier {
	return &Notifier{srv: srv}
}

// DriverAttached implements input.DriverObserver.
func (n *Notifier) DriverAttached(info input.DriverInfo) {
	n.publish(EventDriverAttached, info)
}

// DriverDetached implements input.DriverObserver.
func (n *Notifier) DriverDetached(info input.DriverInfo) {
	n.publish(EventDriverDetached, info)
}

// ReportFault implements input.FaultReporter. Stacks are not streamed.
func (n *Notifier) ReportFault(f input.Fault) {
	f.Stack = ""
	n.publish(EventFault, f)
}

// ContextSwitched matches the contexts.Manager OnSwitch hook.
func (n *Notifier) ContextSwitched(from, to string) {
	n.publish(EventContextSwitched, ContextSwitchedEvent{From: from, To: to})
}

// Shutdown announces that the daemon is stopping.
func (n *Notifier) Shutdown() {
	n.publish(EventDaemonShutdown, nil)
}

func (n *Notifier) publish(t EventType, data any) {
	if n == nil || n.srv == nil {
		return
	}
	ev, err := NewEvent(t, data)
	if err != nil {
		n.srv.logger.Warn("encode event", "type", t, "error", err)
		return
	}
	n.srv.Broadcast(ev)
}
