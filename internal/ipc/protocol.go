package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Methods understood by a backend host
const (
	MethodPing      = "ping"
	MethodBackend   = "backend"   // load a backend: {name, args}
	MethodConfig    = "config"    // fetch the current config
	MethodSetConfig = "setConfig" // apply {config}
	MethodEdid      = "edid"      // fetch {id}
	MethodWatch     = "watch"     // turn the connection into an event stream
	MethodQuit      = "quit"      // unload the backend and exit
)

// EventConfigChanged is pushed on watch streams when the backend reports a change
const EventConfigChanged = "configChanged"

// MaxFrameSize bounds a single frame
const MaxFrameSize = 16 << 20

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrBadFrame      = errors.New("malformed frame")
)

// Request is a call from the manager to the host
type Request struct {
	ID     uint64
	Method string
	Params map[string]any
}

// Response answers the Request with the same ID. Error is empty on success.
type Response struct {
	ID     uint64
	Result map[string]any
	Error  string
}

// RemoteError carries an error string reported by the host
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("backend host: %s: %s", e.Method, e.Message)
}

// WriteFrame writes m as a protobuf Struct prefixed with its length
// (4 bytes, big endian)
func WriteFrame(w io.Writer, m map[string]any) error {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data))) //nolint:gosec // bounded by MaxFrameSize
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// ReadFrame reads one length prefixed frame
func ReadFrame(r io.Reader) (map[string]any, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read message length: %w", err)
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read message data: %w", err)
	}

	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return s.AsMap(), nil
}

// EncodeRequest turns a request into a frame
func EncodeRequest(req *Request) map[string]any {
	m := map[string]any{
		"id":     float64(req.ID),
		"method": req.Method,
	}
	if req.Params != nil {
		m["params"] = req.Params
	}
	return m
}

// DecodeRequest parses a request frame
func DecodeRequest(m map[string]any) (*Request, error) {
	method, ok := m["method"].(string)
	if !ok || method == "" {
		return nil, fmt.Errorf("%w: missing method", ErrBadFrame)
	}
	id, err := frameID(m)
	if err != nil {
		return nil, err
	}
	req := &Request{ID: id, Method: method}
	if p, ok := m["params"]; ok {
		params, ok := p.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: params is %T", ErrBadFrame, p)
		}
		req.Params = params
	}
	return req, nil
}

// EncodeResponse turns a response into a frame
func EncodeResponse(resp *Response) map[string]any {
	m := map[string]any{"id": float64(resp.ID)}
	if resp.Error != "" {
		m["error"] = resp.Error
	}
	if resp.Result != nil {
		m["result"] = resp.Result
	}
	return m
}

// DecodeResponse parses a response frame
func DecodeResponse(m map[string]any) (*Response, error) {
	id, err := frameID(m)
	if err != nil {
		return nil, err
	}
	resp := &Response{ID: id}
	if e, ok := m["error"]; ok {
		msg, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("%w: error is %T", ErrBadFrame, e)
		}
		resp.Error = msg
	}
	if r, ok := m["result"]; ok {
		result, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: result is %T", ErrBadFrame, r)
		}
		resp.Result = result
	}
	return resp, nil
}

// NewEvent builds an event frame for watch streams
func NewEvent(name string) map[string]any {
	return map[string]any{"event": name}
}

// EventName returns the event carried by a frame, or "" for other frames
func EventName(m map[string]any) string {
	name, _ := m["event"].(string)
	return name
}

func frameID(m map[string]any) (uint64, error) {
	switch v := m["id"].(type) {
	case float64:
		if v < 0 {
			return 0, fmt.Errorf("%w: negative id", ErrBadFrame)
		}
		return uint64(v), nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("%w: negative id", ErrBadFrame)
		}
		return uint64(v), nil
	case nil:
		return 0, fmt.Errorf("%w: missing id", ErrBadFrame)
	default:
		return 0, fmt.Errorf("%w: id is %T", ErrBadFrame, v)
	}
}
