package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAlreadyRunning is returned by Start when another daemon owns the socket.
var ErrAlreadyRunning = errors.New("another daemon is listening on the socket")

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

// HandleMessage implements Handler.
func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// Server is the IPC server that manages client connections
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	socketInfo  os.FileInfo
	cfg         ServerConfig
	handler     Handler
	logger      *slog.Logger
	clients     map[string]*Client
	subscribers map[string]*subscription
	startedAt   time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextRequestID atomic.Uint32
	nextClientID  atomic.Uint64

	eventChan chan *Event
}

// Client represents a connected client
type Client struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	Peer         *PeerCredentials
	Version      string
	Name         string
	ConnectedAt  time.Time
	LastActivity time.Time

	writeMu sync.Mutex
}

// subscription tracks event subscriptions
type subscription struct {
	clientID string
	events   map[EventType]bool
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string
	Version        string
	Permissions    os.FileMode
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
	// AllowAnyUser accepts peers running as other users. By default only
	// the daemon's user and root may connect.
	AllowAnyUser bool
	Logger       *slog.Logger
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:     socketPath,
		Version:        "dev",
		Permissions:    0600,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 32,
	}
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path is required")
	}
	def := DefaultServerConfig(cfg.SocketPath)
	if cfg.Permissions == 0 {
		cfg.Permissions = def.Permissions
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		handler:     handler,
		logger:      logger.With("component", "ipc"),
		clients:     make(map[string]*Client),
		subscribers: make(map[string]*subscription),
		ctx:         ctx,
		cancel:      cancel,
		eventChan:   make(chan *Event, 100),
	}, nil
}

// Start begins listening for connections
func (s *Server) Start() error {
	if err := claimSocket(s.cfg.SocketPath); err != nil {
		return err
	}
	listener, info, err := listenSocket(s.cfg.SocketPath, s.cfg.Permissions)
	if err != nil {
		return err
	}

	s.listener = listener
	s.socketInfo = info
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(2)
	go s.eventBroadcaster()
	go s.acceptLoop()

	s.logger.Info("control socket listening", "path", s.cfg.SocketPath)
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("timed out waiting for clients to disconnect")
	}

	releaseSocket(s.cfg.SocketPath, s.socketInfo)
	return nil
}

// SetHandler replaces the request handler. Call it before Start.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// StartedAt returns when Start succeeded.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast sends an event to all subscribed clients. Events are dropped
// when the server is stopped or the queue is full.
func (s *Server) Broadcast(event *Event) {
	if event == nil || !s.running.Load() {
		return
	}
	select {
	case s.eventChan <- event:
	case <-s.ctx.Done():
	default:
		s.logger.Debug("event dropped", "type", event.Type)
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		peer, err := GetPeerCredentials(conn)
		if err != nil && !errors.Is(err, ErrPeerCredentialsUnsupported) {
			s.logger.Warn("peer credentials unavailable", "error", err)
			conn.Close()
			continue
		}
		if peer != nil && !s.cfg.AllowAnyUser && !peer.trusted(os.Getuid()) {
			s.logger.Warn("rejected connection from another user", "uid", peer.UID, "pid", peer.PID)
			conn.Close()
			continue
		}

		s.mu.RLock()
		count := len(s.clients)
		s.mu.RUnlock()

		if count >= s.cfg.MaxConnections {
			s.logger.Warn("connection limit reached", "max", s.cfg.MaxConnections)
			conn.Close()
			continue
		}

		now := time.Now()
		client := &Client{
			ID:           fmt.Sprintf("client-%d", s.nextClientID.Add(1)),
			conn:         conn,
			Peer:         peer,
			ConnectedAt:  now,
			LastActivity: now,
		}

		s.mu.Lock()
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		client.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		client.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		msg, err := ReadMessage(client.conn)
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.sendPing(client)
				continue
			}
			s.logger.Debug("dropping client", "client", client.ID, "error", err)
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		response, err := s.processMessage(client, msg)
		if err != nil {
			s.logger.Warn("request failed", "client", client.ID, "type", msg.Header.Type, "error", err)
			response = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}

		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				return
			}
		}
	}
}

func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil

	case MsgPong:
		return nil, nil

	case MsgHandshake:
		return s.handleHandshake(client, msg)

	case MsgSubscribe:
		return s.handleSubscribe(client, msg)

	case MsgUnsubscribe:
		return s.handleUnsubscribe(client, msg)

	default:
		s.mu.RLock()
		h := s.handler
		s.mu.RUnlock()
		if h != nil {
			return h.HandleMessage(s.ctx, client, msg)
		}
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no handler"), nil
	}
}

func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion)), nil
	}

	client.mu.Lock()
	client.Version = req.ClientVersion
	client.Name = req.ClientName
	client.mu.Unlock()

	s.logger.Debug("client connected", "client", client.ID, "name", req.ClientName, "version", req.ClientVersion)

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		ClientID:        client.ID,
	})
}

func (s *Server) handleSubscribe(client *Client, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid subscribe request"), nil
		}
	}

	events := req.Events
	if len(events) == 0 {
		events = AllEvents
	}
	sub := &subscription{
		clientID: client.ID,
		events:   make(map[EventType]bool, len(events)),
	}
	for _, et := range events {
		sub.events[et] = true
	}

	s.mu.Lock()
	s.subscribers[client.ID] = sub
	s.mu.Unlock()

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{
		Success:        true,
		SubscriptionID: client.ID,
	})
}

func (s *Server) handleUnsubscribe(client *Client, msg *Message) (*Message, error) {
	s.mu.Lock()
	delete(s.subscribers, client.ID)
	s.mu.Unlock()

	return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil
}

func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.eventChan:
			s.mu.RLock()
			for clientID, sub := range s.subscribers {
				if !sub.events[event.Type] {
					continue
				}
				if client, ok := s.clients[clientID]; ok {
					go s.sendEvent(client, event)
				}
			}
			s.mu.RUnlock()
		}
	}
}

func (s *Server) sendEvent(client *Client, event *Event) {
	payload, err := Encode(event)
	if err != nil {
		s.logger.Warn("encode event", "type", event.Type, "error", err)
		return
	}
	s.sendMessage(client, NewMessage(MsgEvent, s.nextRequestID.Add(1), payload))
}

func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(client.conn)
}

func (s *Server) sendPing(client *Client) {
	s.sendMessage(client, NewMessage(MsgPing, s.nextRequestID.Add(1), nil))
}
