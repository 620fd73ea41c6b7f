package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/bnema/dispconf/internal/logger"
)

var (
	// ErrNotRunning means nothing listens on the socket
	ErrNotRunning = errors.New("backend host is not running")
	// ErrDisconnected means the host closed the connection
	ErrDisconnected = errors.New("backend host disconnected")
)

// Client holds one connection to a backend host. Calls are serialized.
type Client struct {
	socketPath string
	timeout    time.Duration

	mu     sync.Mutex
	conn   net.Conn
	nextID uint64
}

// Dial connects to the host at socketPath. timeout bounds every call that
// has no earlier context deadline.
func Dial(ctx context.Context, socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := dial(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	return &Client{
		socketPath: socketPath,
		timeout:    timeout,
		conn:       conn,
	}, nil
}

func dial(ctx context.Context, socketPath string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if isConnectionRefused(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotRunning, socketPath)
		}
		return nil, fmt.Errorf("failed to connect to backend host: %w", err)
	}
	return conn, nil
}

// SocketPath returns the path the client is connected to
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Call sends one request and waits for its response. Errors reported by the
// host come back as *RemoteError.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrDisconnected
	}

	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		logger.Warnf("Failed to set connection deadline: %v", err)
	}

	// Abort the blocking read when ctx is cancelled
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	c.nextID++
	req := &Request{ID: c.nextID, Method: method, Params: params}
	if err := WriteFrame(c.conn, EncodeRequest(req)); err != nil {
		return nil, c.fail(ctx, fmt.Errorf("failed to send %s: %w", method, err))
	}

	frame, err := ReadFrame(c.conn)
	if err != nil {
		return nil, c.fail(ctx, fmt.Errorf("failed to read %s response: %w", method, err))
	}
	resp, err := DecodeResponse(frame)
	if err != nil {
		return nil, c.fail(ctx, err)
	}
	if resp.ID != req.ID {
		return nil, c.fail(ctx, fmt.Errorf("%w: response id %d for request %d", ErrBadFrame, resp.ID, req.ID))
	}
	if resp.Error != "" {
		return nil, &RemoteError{Method: method, Message: resp.Error}
	}
	if resp.Result == nil {
		resp.Result = map[string]any{}
	}
	return resp.Result, nil
}

// fail drops a connection whose framing state is unknown
func (c *Client) fail(ctx context.Context, err error) error {
	c.conn.Close()
	c.conn = nil
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return err
}

// Close closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Watch opens a dedicated event stream and calls fn for every event until
// the host goes away or ctx is done. The returned error is ErrDisconnected
// when the host closed the stream.
func Watch(ctx context.Context, socketPath string, fn func(event string)) error {
	conn, err := dial(ctx, socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := WriteFrame(conn, EncodeRequest(&Request{ID: 1, Method: MethodWatch})); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	subscribed := false
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		if name := EventName(frame); name != "" {
			fn(name)
			continue
		}
		if subscribed {
			continue
		}
		resp, err := DecodeResponse(frame)
		if err != nil {
			return err
		}
		if resp.Error != "" {
			return &RemoteError{Method: MethodWatch, Message: resp.Error}
		}
		subscribed = true
	}
}

// SocketExists reports whether a socket file is present at path
func SocketExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode()&os.ModeSocket != 0
}

// isConnectionRefused covers both a dead listener and a missing socket file
func isConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT)
}
