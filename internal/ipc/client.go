package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"keyshell/internal/input"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// IPCClient is the client for communicating with the keyshell daemon
type IPCClient struct {
	mu       sync.RWMutex
	conn     net.Conn
	clientID string
	version  string

	connected atomic.Bool

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	eventChan    chan *Event
	eventHandler EventHandler
	eventMu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	config ClientConfig
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "keyshellctl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// EventHandler is called when events are received
type EventHandler func(event *Event)

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	ctx, cancel := context.WithCancel(context.Background())

	return &IPCClient{
		pending:   make(map[uint32]chan *Message),
		eventChan: make(chan *Event, 100),
		ctx:       ctx,
		cancel:    cancel,
		config:    cfg,
	}
}

// Connect dials the daemon and performs the handshake.
func (c *IPCClient) Connect() error {
	c.mu.Lock()
	if c.connected.Load() {
		c.mu.Unlock()
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.Dial("unix", c.config.SocketPath)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.conn = conn
	c.connected.Store(true)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)

	if err := c.handshake(); err != nil {
		c.close()
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Close closes the connection to the daemon
func (c *IPCClient) Close() error {
	c.cancel()
	c.close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

func (c *IPCClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)

	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[uint32]chan *Message)
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// ClientID returns the ID assigned by the server
func (c *IPCClient) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// ServerVersion returns the daemon version reported in the handshake.
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// SetEventHandler sets the handler for streamed events
func (c *IPCClient) SetEventHandler(handler EventHandler) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.eventHandler = handler
}

// Events returns the event channel for streaming events
func (c *IPCClient) Events() <-chan *Event {
	return c.eventChan
}

func (c *IPCClient) handshake() error {
	var ack HandshakeResponse
	err := c.call(MsgHandshake, &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}, MsgHandshakeAck, &ack)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.clientID = ack.ClientID
	c.version = ack.ServerVersion
	c.mu.Unlock()
	return nil
}

// request sends a request and waits for a response
func (c *IPCClient) request(msgType MessageType, payload any) (*Message, error) {
	return c.requestWithTimeout(msgType, payload, c.config.RequestTimeout)
}

func (c *IPCClient) requestWithTimeout(msgType MessageType, payload any, timeout time.Duration) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	data, err := Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, data)

	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		c.close()
		return nil, fmt.Errorf("write message: %w", err)
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

// call sends a request and decodes a reply of type want into out. MsgError
// replies are returned as *RemoteError.
func (c *IPCClient) call(msgType MessageType, payload any, want MessageType, out any) error {
	resp, err := c.request(msgType, payload)
	if err != nil {
		return err
	}

	if resp.Header.Type == MsgError {
		var errResp ErrorResponse
		if err := Decode(resp.Payload, &errResp); err != nil {
			return fmt.Errorf("decode error reply: %w", err)
		}
		return &RemoteError{Code: errResp.Code, Message: errResp.Message}
	}
	if resp.Header.Type != want {
		return fmt.Errorf("unexpected response type: %#04x", uint16(resp.Header.Type))
	}
	if out == nil || len(resp.Payload) == 0 {
		return nil
	}
	return Decode(resp.Payload, out)
}

func (c *IPCClient) write(msg *Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return msg.Write(c.conn)
}

func (c *IPCClient) readLoop(conn net.Conn) {
	defer c.wg.Done()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if c.ctx.Err() == nil {
				c.close()
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *IPCClient) handleMessage(msg *Message) {
	switch msg.Header.Type {
	case MsgPing:
		c.write(NewMessage(MsgPong, msg.Header.RequestID, nil))

	case MsgEvent:
		var event Event
		if err := Decode(msg.Payload, &event); err != nil {
			return
		}
		select {
		case c.eventChan <- &event:
		default:
		}

		c.eventMu.RLock()
		handler := c.eventHandler
		c.eventMu.RUnlock()
		if handler != nil {
			handler(&event)
		}

	default:
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

// High-level API methods

// Ping checks if the daemon is responsive
func (c *IPCClient) Ping() error {
	resp, err := c.requestWithTimeout(MsgPing, nil, 5*time.Second)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgPong {
		return fmt.Errorf("unexpected response: %d", resp.Header.Type)
	}
	return nil
}

// Status requests the daemon status
func (c *IPCClient) Status() (*StatusResponse, error) {
	var status StatusResponse
	if err := c.call(MsgStatusRequest, nil, MsgStatusResponse, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListDrivers lists the attached drivers.
func (c *IPCClient) ListDrivers() (*ListDriversResponse, error) {
	var result ListDriversResponse
	if err := c.call(MsgListDrivers, nil, MsgListDriversResp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DetachDriver detaches a hot-plugged driver by name.
func (c *IPCClient) DetachDriver(name string) error {
	return c.call(MsgDetachDriver, &DetachDriverRequest{Name: name}, MsgDetachDriverResp, nil)
}

// Suspend disables every driver.
func (c *IPCClient) Suspend() error {
	return c.call(MsgSuspend, nil, MsgSuspendResp, nil)
}

// Resume re-enables every driver.
func (c *IPCClient) Resume() error {
	return c.call(MsgResume, nil, MsgSuspendResp, nil)
}

// Inject sends "KEY_X" or "KEY_X:state" through the virtual keypad.
func (c *IPCClient) Inject(event string) error {
	return c.call(MsgInject, &InjectRequest{Event: event}, MsgInjectResp, nil)
}

// ListContexts lists the registered contexts.
func (c *IPCClient) ListContexts() (*ListContextsResponse, error) {
	var result ListContextsResponse
	if err := c.call(MsgListContexts, nil, MsgListContextsResp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SwitchContext activates a context.
func (c *IPCClient) SwitchContext(name string) error {
	return c.call(MsgSwitchContext, &SwitchContextRequest{Name: name}, MsgSwitchContextResp, nil)
}

// RecentFaults returns up to limit journalled faults, newest first.
func (c *IPCClient) RecentFaults(limit int) ([]input.Fault, error) {
	var result RecentFaultsResponse
	if err := c.call(MsgRecentFaults, &RecentFaultsRequest{Limit: limit}, MsgRecentFaultsResp, &result); err != nil {
		return nil, err
	}
	return result.Faults, nil
}

// Subscribe subscribes to events; no arguments means every event.
func (c *IPCClient) Subscribe(events ...EventType) error {
	var result SubscribeResponse
	if err := c.call(MsgSubscribe, &SubscribeRequest{Events: events}, MsgSubscribeResp, &result); err != nil {
		return err
	}
	if !result.Success {
		return errors.New("subscription failed")
	}
	return nil
}

// Unsubscribe unsubscribes from events
func (c *IPCClient) Unsubscribe() error {
	return c.call(MsgUnsubscribe, nil, MsgUnsubscribeResp, nil)
}
