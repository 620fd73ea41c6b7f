package display

import (
	"bytes"
	"context"
	"encoding/binary"
)

// EdidProvider supplies the raw EDID blob of an output. Empty means unknown.
type EdidProvider interface {
	Edid(ctx context.Context, outputID int) ([]byte, error)
}

var edidHeader = []byte{0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00}

// Edid is immutable per-output metadata. Only the fixed header fields are
// decoded; everything else is carried as opaque bytes.
type Edid struct {
	raw []byte
}

// NewEdid copies raw into a new Edid
func NewEdid(raw []byte) *Edid {
	return &Edid{raw: bytes.Clone(raw)}
}

// Raw returns a copy of the blob
func (e *Edid) Raw() []byte {
	if e == nil {
		return nil
	}
	return bytes.Clone(e.raw)
}

// IsValid checks the length and the fixed 8 byte header
func (e *Edid) IsValid() bool {
	return e != nil && len(e.raw) >= 128 && bytes.Equal(e.raw[:8], edidHeader)
}

// Vendor returns the three letter PNP manufacturer id
func (e *Edid) Vendor() string {
	if !e.IsValid() {
		return ""
	}
	id := binary.BigEndian.Uint16(e.raw[8:10])
	letters := []byte{
		byte((id>>10)&0x1f) + 'A' - 1,
		byte((id>>5)&0x1f) + 'A' - 1,
		byte(id&0x1f) + 'A' - 1,
	}
	return string(letters)
}

// ProductCode returns the little endian product code
func (e *Edid) ProductCode() uint16 {
	if !e.IsValid() {
		return 0
	}
	return binary.LittleEndian.Uint16(e.raw[10:12])
}

// Serial returns the numeric serial from the header
func (e *Edid) Serial() uint32 {
	if !e.IsValid() {
		return 0
	}
	return binary.LittleEndian.Uint32(e.raw[12:16])
}

// Equal compares the raw blobs
func (e *Edid) Equal(other *Edid) bool {
	if e == nil || other == nil {
		return e == other
	}
	return bytes.Equal(e.raw, other.raw)
}

// Clone returns an independent copy
func (e *Edid) Clone() *Edid {
	if e == nil {
		return nil
	}
	return NewEdid(e.raw)
}
