package manager

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/bnema/dispconf/internal/backend"
	"github.com/bnema/dispconf/internal/display"
	"github.com/bnema/dispconf/internal/ipc"
	"github.com/bnema/dispconf/internal/logger"
)

// Host runs backends on behalf of a remote Manager. It keeps at most one
// backend loaded and swaps it when a different one is requested.
type Host struct {
	registry *backend.Registry
	notify   func()

	mu   sync.Mutex
	be   backend.Backend
	name string
	args map[string]string
}

// NewHost creates a host. notify is called whenever the loaded backend
// reports a change.
func NewHost(registry *backend.Registry, notify func()) *Host {
	return &Host{registry: registry, notify: notify}
}

// Handle implements ipc.Handler
func (h *Host) Handle(ctx context.Context, req *ipc.Request) (map[string]any, error) {
	switch req.Method {
	case ipc.MethodPing:
		h.mu.Lock()
		defer h.mu.Unlock()
		return map[string]any{"backend": h.name}, nil
	case ipc.MethodBackend:
		return h.load(req.Params)
	case ipc.MethodQuit:
		return map[string]any{}, h.Close()
	}

	be, err := h.current()
	if err != nil {
		return nil, err
	}

	switch req.Method {
	case ipc.MethodConfig:
		cfg, err := be.Config(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"config": display.ConfigToMap(cfg)}, nil

	case ipc.MethodSetConfig:
		raw, ok := req.Params["config"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("setConfig: missing config")
		}
		cfg, err := display.ConfigFromMap(raw)
		if err != nil {
			return nil, fmt.Errorf("setConfig: %w", err)
		}
		return map[string]any{}, be.SetConfig(ctx, cfg)

	case ipc.MethodEdid:
		id, ok := req.Params["id"].(float64)
		if !ok {
			return nil, fmt.Errorf("edid: missing output id")
		}
		data, err := be.Edid(ctx, int(id))
		if err != nil {
			return nil, err
		}
		return map[string]any{"edid": base64.StdEncoding.EncodeToString(data)}, nil

	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

func (h *Host) current() (backend.Backend, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.be == nil {
		return nil, ErrNoBackend
	}
	return h.be, nil
}

func (h *Host) load(params map[string]any) (map[string]any, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("backend: missing name")
	}
	args := make(map[string]string)
	if raw, ok := params["args"].(map[string]any); ok {
		for k, v := range raw {
			args[k] = fmt.Sprint(v)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.be != nil && h.name == name && sameArgs(h.args, args) {
		return map[string]any{"name": name}, nil
	}
	if h.be != nil {
		logger.Info("Swapping hosted backend", "from", h.name, "to", name)
		if err := h.be.Close(); err != nil {
			logger.Warn("Failed to close backend", "name", h.name, "error", err)
		}
		h.be = nil
	}

	be, err := h.registry.Open(name, backend.Options{Args: args, OnChange: h.notify})
	if err != nil {
		return nil, err
	}
	h.be, h.name, h.args = be, name, args
	logger.Info("Backend loaded", "name", name)
	return map[string]any{"name": name}, nil
}

// Close unloads the backend
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.be == nil {
		return nil
	}
	err := h.be.Close()
	h.be = nil
	h.name = ""
	return err
}

// Serve hosts backends on socketPath until ctx is done or a quit request
// arrives
func Serve(ctx context.Context, registry *backend.Registry, socketPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var server *ipc.SocketServer
	host := NewHost(registry, func() { server.Broadcast(ipc.EventConfigChanged) })
	server = ipc.NewSocketServer(socketPath, host)
	server.OnQuit(cancel)

	if err := server.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	server.Stop()
	return host.Close()
}
