package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"keyshell/internal/contexts"
	"keyshell/internal/driver/virtual"
	"keyshell/internal/input"
	"keyshell/internal/keys"
	"keyshell/internal/metrics"
)

// defaultFaultLimit caps RecentFaults when the request gives no limit.
const defaultFaultLimit = 20

// Dispatcher is the part of the input processor the control socket drives.
type Dispatcher interface {
	ListDrivers() []input.DriverInfo
	DetachDriver(name string) error
	Suspend()
	Resume()
	Suspended() bool
	Listening() bool
	QueueLen() int
}

// Injector feeds synthetic key events into the processor.
type Injector interface {
	Inject(ev keys.Event) error
}

// ContextSwitcher lists and activates application contexts.
type ContextSwitcher interface {
	Names() []string
	CurrentContext() string
	Switch(name string) error
}

// FaultLog returns journalled callback faults.
type FaultLog interface {
	RecentFaults(limit int) ([]input.Fault, error)
}

// DaemonHandler implements Handler for the keyshell daemon.
type DaemonHandler struct {
	mu        sync.RWMutex
	version   string
	startedAt time.Time

	dispatcher Dispatcher
	injector   Injector
	contexts   ContextSwitcher
	faults     FaultLog
	metrics    *metrics.Registry
}

// DaemonHandlerConfig configures the daemon handler. Only Dispatcher is
// required; requests for a missing component get ErrNotAvailable.
type DaemonHandlerConfig struct {
	Version    string
	Dispatcher Dispatcher
	Injector   Injector
	Contexts   ContextSwitcher
	Faults     FaultLog
	Metrics    *metrics.Registry
}

// NewDaemonHandler creates a new daemon handler
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	return &DaemonHandler{
		version:    cfg.Version,
		startedAt:  time.Now(),
		dispatcher: cfg.Dispatcher,
		injector:   cfg.Injector,
		contexts:   cfg.Contexts,
		faults:     cfg.Faults,
		metrics:    cfg.Metrics,
	}
}

// SetFaultLog replaces the fault log, e.g. once the journal is open.
func (h *DaemonHandler) SetFaultLog(f FaultLog) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults = f
}

// HandleMessage processes an IPC message
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(msg)
	case MsgListDrivers:
		return NewResponse(MsgListDriversResp, msg.Header.RequestID,
			&ListDriversResponse{Drivers: h.dispatcher.ListDrivers()})
	case MsgDetachDriver:
		return h.handleDetach(msg)
	case MsgSuspend:
		h.dispatcher.Suspend()
		return NewResponse(MsgSuspendResp, msg.Header.RequestID, &SuspendResponse{Suspended: true})
	case MsgResume:
		h.dispatcher.Resume()
		return NewResponse(MsgSuspendResp, msg.Header.RequestID, &SuspendResponse{Suspended: false})
	case MsgInject:
		return h.handleInject(msg)
	case MsgListContexts:
		return h.handleListContexts(msg)
	case MsgSwitchContext:
		return h.handleSwitchContext(msg)
	case MsgRecentFaults:
		return h.handleRecentFaults(msg)
	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown message type: %d", msg.Header.Type)), nil
	}
}

func (h *DaemonHandler) handleStatus(msg *Message) (*Message, error) {
	resp := &StatusResponse{
		Version:   h.version,
		StartedAt: h.startedAt,
		Uptime:    time.Since(h.startedAt),
		Listening: h.dispatcher.Listening(),
		Suspended: h.dispatcher.Suspended(),
		QueueLen:  h.dispatcher.QueueLen(),
		Drivers:   len(h.dispatcher.ListDrivers()),
	}
	if h.contexts != nil {
		resp.Context = h.contexts.CurrentContext()
	}
	if h.metrics != nil {
		resp.Metrics = h.metrics.Snapshot()
	}
	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleDetach(msg *Message) (*Message, error) {
	var req DetachDriverRequest
	if err := Decode(msg.Payload, &req); err != nil || req.Name == "" {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "driver name is required"), nil
	}

	err := h.dispatcher.DetachDriver(req.Name)
	switch {
	case err == nil:
		return NewMessage(MsgDetachDriverResp, msg.Header.RequestID, nil), nil
	case errors.Is(err, input.ErrUnknownDriver):
		return NewErrorMessage(msg.Header.RequestID, ErrNotFound, err.Error()), nil
	case errors.Is(err, input.ErrInitialDriver):
		return NewErrorMessage(msg.Header.RequestID, ErrRefused, err.Error()), nil
	default:
		return nil, err
	}
}

func (h *DaemonHandler) handleInject(msg *Message) (*Message, error) {
	if h.injector == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotAvailable, "no virtual keypad attached"), nil
	}

	var req InjectRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid inject request"), nil
	}
	ev, err := keys.ParseEvent(req.Event)
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}

	if err := h.injector.Inject(ev); err != nil {
		if errors.Is(err, virtual.ErrNotStarted) {
			return NewErrorMessage(msg.Header.RequestID, ErrNotAvailable, err.Error()), nil
		}
		if errors.Is(err, keys.ErrMalformedEvent) {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
		}
		return nil, err
	}
	return NewMessage(MsgInjectResp, msg.Header.RequestID, nil), nil
}

func (h *DaemonHandler) handleListContexts(msg *Message) (*Message, error) {
	if h.contexts == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotAvailable, "no context manager"), nil
	}
	return NewResponse(MsgListContextsResp, msg.Header.RequestID, &ListContextsResponse{
		Contexts: h.contexts.Names(),
		Current:  h.contexts.CurrentContext(),
	})
}

func (h *DaemonHandler) handleSwitchContext(msg *Message) (*Message, error) {
	if h.contexts == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotAvailable, "no context manager"), nil
	}

	var req SwitchContextRequest
	if err := Decode(msg.Payload, &req); err != nil || req.Name == "" {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "context name is required"), nil
	}
	if err := h.contexts.Switch(req.Name); err != nil {
		if errors.Is(err, contexts.ErrUnknownContext) {
			return NewErrorMessage(msg.Header.RequestID, ErrNotFound, err.Error()), nil
		}
		return nil, err
	}
	return NewMessage(MsgSwitchContextResp, msg.Header.RequestID, nil), nil
}

func (h *DaemonHandler) handleRecentFaults(msg *Message) (*Message, error) {
	h.mu.RLock()
	faults := h.faults
	h.mu.RUnlock()

	if faults == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotAvailable, "fault journal disabled"), nil
	}

	var req RecentFaultsRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid faults request"), nil
		}
	}
	if req.Limit <= 0 {
		req.Limit = defaultFaultLimit
	}

	list, err := faults.RecentFaults(req.Limit)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return NewResponse(MsgRecentFaultsResp, msg.Header.RequestID, &RecentFaultsResponse{Faults: list})
}
