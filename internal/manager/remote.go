package manager

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/bnema/dispconf/internal/display"
	"github.com/bnema/dispconf/internal/ipc"
)

// remoteBackend forwards the backend contract to a host over IPC
type remoteBackend struct {
	client *ipc.Client
	name   string
}

func (r *remoteBackend) Name() string {
	return r.name
}

func (r *remoteBackend) IsValid() bool {
	_, err := r.client.Call(context.Background(), ipc.MethodPing, nil)
	return err == nil
}

func (r *remoteBackend) Config(ctx context.Context) (*display.Config, error) {
	result, err := r.client.Call(ctx, ipc.MethodConfig, nil)
	if err != nil {
		return nil, err
	}
	raw, ok := result["config"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: config reply without config", ipc.ErrBadFrame)
	}
	return display.ConfigFromMap(raw)
}

func (r *remoteBackend) SetConfig(ctx context.Context, cfg *display.Config) error {
	_, err := r.client.Call(ctx, ipc.MethodSetConfig, map[string]any{"config": display.ConfigToMap(cfg)})
	return err
}

func (r *remoteBackend) Edid(ctx context.Context, outputID int) ([]byte, error) {
	result, err := r.client.Call(ctx, ipc.MethodEdid, map[string]any{"id": outputID})
	if err != nil {
		return nil, err
	}
	encoded, _ := result["edid"].(string)
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid edid payload: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// quit asks the host to unload the backend and exit
func (r *remoteBackend) quit(ctx context.Context) error {
	_, err := r.client.Call(ctx, ipc.MethodQuit, nil)
	return err
}

func (r *remoteBackend) Close() error {
	return r.client.Close()
}
