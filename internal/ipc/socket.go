package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/bnema/dispconf/internal/logger"
)

// Handler answers requests received by a Server. MethodWatch is handled by
// the server itself.
type Handler interface {
	Handle(ctx context.Context, req *Request) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, req *Request) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, req *Request) (map[string]any, error) {
	return f(ctx, req)
}

// SocketServer serves requests on a Unix socket
type SocketServer struct {
	mu         sync.Mutex
	listener   net.Listener
	socketPath string
	handler    Handler
	wg         sync.WaitGroup
	cancel     context.CancelFunc
	running    bool
	conns      map[*serverConn]struct{}
	onQuit     func()
	socketFile os.FileInfo
}

type serverConn struct {
	net.Conn
	writeMu  sync.Mutex
	watching bool
}

func (c *serverConn) write(m map[string]any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.Conn, m)
}

// NewSocketServer creates a server listening on socketPath once started
func NewSocketServer(socketPath string, handler Handler) *SocketServer {
	return &SocketServer{
		socketPath: socketPath,
		handler:    handler,
		conns:      make(map[*serverConn]struct{}),
	}
}

// OnQuit registers fn to run once the reply to a MethodQuit request has been
// written
func (s *SocketServer) OnQuit(fn func()) {
	s.mu.Lock()
	s.onQuit = fn
	s.mu.Unlock()
}

// SocketPath returns the path the server listens on
func (s *SocketServer) SocketPath() string {
	return s.socketPath
}

// Start starts the socket server
func (s *SocketServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	// Remove stale socket file from a previous host
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create socket listener: %w", err)
	}
	// User only
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.listener = listener
	s.running = true
	s.socketFile, _ = os.Stat(s.socketPath)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptConnections(ctx)

	logger.Infof("Backend host listening at %s", s.socketPath)
	return nil
}

// Stop closes the listener and every open connection, waits for handlers
// and removes the socket file
func (s *SocketServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.listener.Close()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	// A new server may already own the path
	if info, err := os.Stat(s.socketPath); err == nil && s.socketFile != nil && os.SameFile(info, s.socketFile) {
		os.Remove(s.socketPath)
	}
	logger.Info("Backend host stopped")
}

// Broadcast sends an event to every watching connection
func (s *SocketServer) Broadcast(event string) {
	s.mu.Lock()
	var watchers []*serverConn
	for c := range s.conns {
		if c.watching {
			watchers = append(watchers, c)
		}
	}
	s.mu.Unlock()

	frame := NewEvent(event)
	for _, c := range watchers {
		if err := c.write(frame); err != nil {
			logger.Debugf("Dropping watcher: %v", err)
			c.Close()
		}
	}
}

func (s *SocketServer) acceptConnections(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Errorf("Failed to accept connection: %v", err)
			continue
		}

		c := &serverConn{Conn: conn}
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConnection(ctx, c)
	}
}

func (s *SocketServer) handleConnection(ctx context.Context, c *serverConn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.Close()
	}()

	logger.Debug("New IPC connection established")

	for {
		frame, err := ReadFrame(c)
		if err != nil {
			logger.Debugf("Connection closed or read error: %v", err)
			return
		}

		resp, method := s.handleMessage(ctx, c, frame)
		if err := c.write(EncodeResponse(resp)); err != nil {
			logger.Errorf("Failed to send response: %v", err)
			return
		}
		if method == MethodQuit && resp.Error == "" {
			s.mu.Lock()
			onQuit := s.onQuit
			s.mu.Unlock()
			if onQuit != nil {
				go onQuit()
			}
		}
	}
}

func (s *SocketServer) handleMessage(ctx context.Context, c *serverConn, frame map[string]any) (*Response, string) {
	req, err := DecodeRequest(frame)
	if err != nil {
		return &Response{Error: err.Error()}, ""
	}

	if req.Method == MethodWatch {
		s.mu.Lock()
		c.watching = true
		s.mu.Unlock()
		return &Response{ID: req.ID, Result: map[string]any{}}, req.Method
	}

	result, err := s.handler.Handle(ctx, req)
	if err != nil {
		return &Response{ID: req.ID, Error: err.Error()}, req.Method
	}
	return &Response{ID: req.ID, Result: result}, req.Method
}
