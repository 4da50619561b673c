package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUint16ToBytes(t *testing.T) {
	assert.Equal(t, []byte{0x43, 0x21}, uint16ToBytes(BigEndian, 0x4321))
	assert.Equal(t, []byte{0x21, 0x43}, uint16ToBytes(LittleEndian, 0x4321))
}

func TestUint16sToBytes(t *testing.T) {
	in := []uint16{0x4321, 0x8765, 0xcba9}

	assert.Equal(t, []byte{0x43, 0x21, 0x87, 0x65, 0xcb, 0xa9}, uint16sToBytes(BigEndian, in))
	assert.Equal(t, []byte{0x21, 0x43, 0x65, 0x87, 0xa9, 0xcb}, uint16sToBytes(LittleEndian, in))
}

func TestBytesToUint16(t *testing.T) {
	assert.Equal(t, uint16(0x4321), bytesToUint16(BigEndian, []byte{0x43, 0x21}))
	assert.Equal(t, uint16(0x2143), bytesToUint16(LittleEndian, []byte{0x43, 0x21}))
}

func TestBytesToUint16s(t *testing.T) {
	assert.Equal(t, []uint16{0x1122, 0x3344}, bytesToUint16s(BigEndian, []byte{0x11, 0x22, 0x33, 0x44}))
	assert.Equal(t, []uint16{0x2211, 0x4433}, bytesToUint16s(LittleEndian, []byte{0x11, 0x22, 0x33, 0x44}))
}

func TestUint32WordOrder(t *testing.T) {
	out := uint32ToBytes(BigEndian, HighWordFirst, 0x87654321)
	assert.Equal(t, []byte{0x87, 0x65, 0x43, 0x21}, out)

	out = uint32ToBytes(BigEndian, LowWordFirst, 0x87654321)
	assert.Equal(t, []byte{0x43, 0x21, 0x87, 0x65}, out)

	back := bytesToUint32s(BigEndian, LowWordFirst, out)
	assert.Equal(t, []uint32{0x87654321}, back)
}

func TestFloat32RoundTrip(t *testing.T) {
	const val float32 = 3.1415927

	out := float32ToBytes(BigEndian, HighWordFirst, val)
	back := bytesToFloat32s(BigEndian, HighWordFirst, out)
	assert.Equal(t, []float32{val}, back)
}

func TestUint64WordOrder(t *testing.T) {
	const val uint64 = 0x0102030405060708

	out := uint64ToBytes(BigEndian, HighWordFirst, val)
	back := bytesToUint64s(BigEndian, HighWordFirst, out)
	assert.Equal(t, []uint64{val}, back)

	out = uint64ToBytes(BigEndian, LowWordFirst, val)
	back = bytesToUint64s(BigEndian, LowWordFirst, out)
	assert.Equal(t, []uint64{val}, back)
}

func TestFloat64RoundTrip(t *testing.T) {
	const val float64 = 2.718281828459045

	out := float64ToBytes(LittleEndian, HighWordFirst, val)
	back := bytesToFloat64s(LittleEndian, HighWordFirst, out)
	assert.Equal(t, []float64{val}, back)
}

func TestEncodeDecodeBools(t *testing.T) {
	in := []bool{true, false, true, true, false, false, false, false, true}

	encoded := encodeBools(in)
	assert.Equal(t, []byte{0x0d, 0x01}, encoded)

	decoded := decodeBools(uint16(len(in)), encoded)
	assert.Equal(t, in, decoded)
}
