// Package ipc provides the control socket between the keyshell daemon and
// client tools such as keyshellctl.
//
// Every message is a fixed 16-byte header followed by a JSON payload:
// - Request/response pattern for commands
// - Event streaming for driver, context and fault notifications
// - Protocol versioning for compatibility
package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"keyshell/internal/input"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x4b53484c // "KSHL"
)

// MaxPayload bounds the payload of a single message.
const MaxPayload = 1 << 20

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Status messages (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Drivers (0x02xx)
	MsgListDrivers      MessageType = 0x0200
	MsgListDriversResp  MessageType = 0x0201
	MsgDetachDriver     MessageType = 0x0202
	MsgDetachDriverResp MessageType = 0x0203
	MsgSuspend          MessageType = 0x0204
	MsgResume           MessageType = 0x0205
	MsgSuspendResp      MessageType = 0x0206

	// Input (0x03xx)
	MsgInject     MessageType = 0x0300
	MsgInjectResp MessageType = 0x0301

	// Contexts (0x04xx)
	MsgListContexts      MessageType = 0x0400
	MsgListContextsResp  MessageType = 0x0401
	MsgSwitchContext     MessageType = 0x0402
	MsgSwitchContextResp MessageType = 0x0403

	// Journal (0x05xx)
	MsgRecentFaults     MessageType = 0x0500
	MsgRecentFaultsResp MessageType = 0x0501

	// Event streaming (0x06xx)
	MsgSubscribe       MessageType = 0x0600
	MsgSubscribeResp   MessageType = 0x0601
	MsgUnsubscribe     MessageType = 0x0602
	MsgUnsubscribeResp MessageType = 0x0603
	MsgEvent           MessageType = 0x0604
)

// EventType identifies the type of streamed event
type EventType uint16

const (
	EventDriverAttached  EventType = 0x0001
	EventDriverDetached  EventType = 0x0002
	EventContextSwitched EventType = 0x0003
	EventFault           EventType = 0x0004
	EventDaemonShutdown  EventType = 0x0005
)

// AllEvents lists every event a subscriber with no filter receives.
var AllEvents = []EventType{
	EventDriverAttached,
	EventDriverDetached,
	EventContextSwitched,
	EventFault,
	EventDaemonShutdown,
}

func (t EventType) String() string {
	switch t {
	case EventDriverAttached:
		return "driver_attached"
	case EventDriverDetached:
		return "driver_detached"
	case EventContextSwitched:
		return "context_switched"
	case EventFault:
		return "fault"
	case EventDaemonShutdown:
		return "daemon_shutdown"
	default:
		return fmt.Sprintf("event(0x%04x)", uint16(t))
	}
}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagJSON uint8 = 0x04
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	return h, nil
}

// Write writes the message to a writer in a single call so concurrent
// writers on a stream socket cannot interleave.
func (m *Message) Write(w io.Writer) error {
	m.Header.Length = uint32(len(m.Payload))
	var buf bytes.Buffer
	buf.Grow(HeaderSize + len(m.Payload))
	if err := m.Header.Write(&buf); err != nil {
		return err
	}
	buf.Write(m.Payload)
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Request/Response payloads

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	ClientID        string `json:"client_id"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrAlreadyExists    = 6
	ErrNotAvailable     = 7
	ErrRefused          = 8
)

// RemoteError is a MsgError reply decoded on the client side.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

// StatusResponse contains daemon status
type StatusResponse struct {
	Version   string         `json:"version"`
	Uptime    time.Duration  `json:"uptime"`
	StartedAt time.Time      `json:"started_at"`
	Listening bool           `json:"listening"`
	Suspended bool           `json:"suspended"`
	Context   string         `json:"context"`
	QueueLen  int            `json:"queue_len"`
	Drivers   int            `json:"drivers"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}

// ListDriversResponse contains the attached drivers.
type ListDriversResponse struct {
	Drivers []input.DriverInfo `json:"drivers"`
}

// DetachDriverRequest names the driver to detach.
type DetachDriverRequest struct {
	Name string `json:"name"`
}

// SuspendResponse reports the registry state after a suspend or resume.
type SuspendResponse struct {
	Suspended bool `json:"suspended"`
}

// InjectRequest carries one key event in "KEY_X" or "KEY_X:state" form.
type InjectRequest struct {
	Event string `json:"event"`
}

// ListContextsResponse contains the registered contexts.
type ListContextsResponse struct {
	Contexts []string `json:"contexts"`
	Current  string   `json:"current"`
}

// SwitchContextRequest names the context to activate.
type SwitchContextRequest struct {
	Name string `json:"name"`
}

// RecentFaultsRequest bounds the number of faults returned.
type RecentFaultsRequest struct {
	Limit int `json:"limit,omitempty"`
}

// RecentFaultsResponse contains journalled faults, newest first.
type RecentFaultsResponse struct {
	Faults []input.Fault `json:"faults"`
}

// SubscribeRequest requests event subscription
type SubscribeRequest struct {
	Events []EventType `json:"events"` // Empty means all events
}

// SubscribeResponse acknowledges subscription
type SubscribeResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscription_id"`
}

// Event is a streamed event
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event with data encoded as JSON.
func NewEvent(t EventType, data any) (*Event, error) {
	ev := &Event{Type: t, Timestamp: time.Now()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		ev.Data = raw
	}
	return ev, nil
}

// ContextSwitchedEvent is the data of EventContextSwitched.
type ContextSwitchedEvent struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
