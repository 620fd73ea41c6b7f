package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  map[string]any
	}{
		{
			name: "request",
			msg:  EncodeRequest(&Request{ID: 7, Method: MethodEdid, Params: map[string]any{"id": 2}}),
		},
		{
			name: "response with result",
			msg:  EncodeResponse(&Response{ID: 7, Result: map[string]any{"edid": "AP///w=="}}),
		},
		{
			name: "error response",
			msg:  EncodeResponse(&Response{ID: 8, Error: "no backend"}),
		},
		{
			name: "event",
			msg:  NewEvent(EventConfigChanged),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, tt.msg); err != nil {
				t.Fatalf("WriteFrame() error = %v", err)
			}

			length := binary.BigEndian.Uint32(buf.Bytes()[:4])
			if int(length) != buf.Len()-4 {
				t.Errorf("Length prefix = %d, payload is %d bytes", length, buf.Len()-4)
			}

			got, err := ReadFrame(&buf)
			if err != nil {
				t.Fatalf("ReadFrame() error = %v", err)
			}
			if len(got) != len(tt.msg) {
				t.Errorf("Expected %d keys, got %d: %v", len(tt.msg), len(got), got)
			}
		})
	}
}

func TestDecodeRequest(t *testing.T) {
	var buf bytes.Buffer
	req := &Request{ID: 42, Method: MethodBackend, Params: map[string]any{"name": "fake"}}
	if err := WriteFrame(&buf, EncodeRequest(req)); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}

	got, err := DecodeRequest(frame)
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if got.ID != 42 || got.Method != MethodBackend {
		t.Errorf("Unexpected request %+v", got)
	}
	if got.Params["name"] != "fake" {
		t.Errorf("Expected params name fake, got %v", got.Params["name"])
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame map[string]any
	}{
		{name: "missing method", frame: map[string]any{"id": 1.0}},
		{name: "missing id", frame: map[string]any{"method": "config"}},
		{name: "negative id", frame: map[string]any{"id": -1.0, "method": "config"}},
		{name: "string id", frame: map[string]any{"id": "1", "method": "config"}},
		{name: "params not an object", frame: map[string]any{"id": 1.0, "method": "config", "params": "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeRequest(tt.frame); !errors.Is(err, ErrBadFrame) {
				t.Errorf("Expected ErrBadFrame, got %v", err)
			}
		})
	}

	if _, err := DecodeResponse(map[string]any{"id": 1.0, "result": []any{}}); !errors.Is(err, ErrBadFrame) {
		t.Errorf("Expected ErrBadFrame for list result, got %v", err)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(MaxFrameSize+1))
	if _, err := ReadFrame(&buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(10))
	buf.WriteString("abc")
	if _, err := ReadFrame(&buf); err == nil {
		t.Error("Expected error for truncated frame")
	}
}

func TestEventName(t *testing.T) {
	if got := EventName(NewEvent(EventConfigChanged)); got != EventConfigChanged {
		t.Errorf("EventName() = %q", got)
	}
	if got := EventName(EncodeResponse(&Response{ID: 1})); got != "" {
		t.Errorf("EventName() on response = %q", got)
	}
}
