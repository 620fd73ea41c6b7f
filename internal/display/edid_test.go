package display

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testEdid() []byte {
	raw := make([]byte, 128)
	copy(raw, edidHeader)
	// "DEL", product 0xa0c1, serial 0x01020304
	raw[8], raw[9] = 0x10, 0xac
	raw[10], raw[11] = 0xc1, 0xa0
	raw[12], raw[13], raw[14], raw[15] = 0x04, 0x03, 0x02, 0x01
	return raw
}

func TestEdidHeader(t *testing.T) {
	e := NewEdid(testEdid())
	assert.True(t, e.IsValid())
	assert.Equal(t, "DEL", e.Vendor())
	assert.Equal(t, uint16(0xa0c1), e.ProductCode())
	assert.Equal(t, uint32(0x01020304), e.Serial())
}

func TestEdidInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"short", edidHeader},
		{"bad header", make([]byte, 128)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEdid(tt.raw)
			assert.False(t, e.IsValid())
			assert.Empty(t, e.Vendor())
			assert.Zero(t, e.Serial())
		})
	}

	var nilEdid *Edid
	assert.False(t, nilEdid.IsValid())
	assert.Nil(t, nilEdid.Raw())
	assert.Nil(t, nilEdid.Clone())
}

func TestEdidCopiesInput(t *testing.T) {
	raw := testEdid()
	e := NewEdid(raw)
	raw[8] = 0
	assert.Equal(t, "DEL", e.Vendor())

	out := e.Raw()
	out[9] = 0
	assert.Equal(t, "DEL", e.Vendor())
}
