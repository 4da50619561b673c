package modbus

import (
	"encoding/binary"
	"math"
)

// byteOrder returns the stdlib binary.ByteOrder matching our Endianness.
func byteOrder(e Endianness) binary.ByteOrder {
	if e == LittleEndian {
		return binary.LittleEndian
	}

	return binary.BigEndian
}

func uint16ToBytes(e Endianness, in uint16) (out []byte) {
	out = make([]byte, 2)
	byteOrder(e).PutUint16(out, in)

	return
}

func uint16sToBytes(e Endianness, in []uint16) (out []byte) {
	for i := range in {
		out = append(out, uint16ToBytes(e, in[i])...)
	}

	return
}

func bytesToUint16(e Endianness, in []byte) (out uint16) {
	out = byteOrder(e).Uint16(in)

	return
}

func bytesToUint16s(e Endianness, in []byte) (out []uint16) {
	for i := 0; i < len(in); i += 2 {
		out = append(out, bytesToUint16(e, in[i:i+2]))
	}

	return
}

// uint32ToBytes encodes a 32-bit value as two 16-bit registers, observing
// both the byte-level endianness and the register-level word order.
func uint32ToBytes(e Endianness, wo WordOrder, in uint32) (out []byte) {
	out = make([]byte, 4)
	byteOrder(e).PutUint32(out, in)

	if wo == LowWordFirst {
		out[0], out[1], out[2], out[3] = out[2], out[3], out[0], out[1]
	}

	return
}

func bytesToUint32s(e Endianness, wo WordOrder, in []byte) (out []uint32) {
	bo := byteOrder(e)

	for i := 0; i < len(in); i += 4 {
		chunk := in[i : i+4]
		if wo == LowWordFirst {
			chunk = []byte{chunk[2], chunk[3], chunk[0], chunk[1]}
		}

		out = append(out, bo.Uint32(chunk))
	}

	return
}

func float32ToBytes(e Endianness, wo WordOrder, in float32) []byte {
	return uint32ToBytes(e, wo, math.Float32bits(in))
}

func bytesToFloat32s(e Endianness, wo WordOrder, in []byte) (out []float32) {
	for _, u32 := range bytesToUint32s(e, wo, in) {
		out = append(out, math.Float32frombits(u32))
	}

	return
}

func uint64ToBytes(e Endianness, wo WordOrder, in uint64) (out []byte) {
	out = make([]byte, 8)
	byteOrder(e).PutUint64(out, in)

	if wo == LowWordFirst {
		out[0], out[1], out[2], out[3], out[4], out[5], out[6], out[7] =
			out[6], out[7], out[4], out[5], out[2], out[3], out[0], out[1]
	}

	return
}

func bytesToUint64s(e Endianness, wo WordOrder, in []byte) (out []uint64) {
	bo := byteOrder(e)

	for i := 0; i < len(in); i += 8 {
		chunk := in[i : i+8]
		if wo == LowWordFirst {
			chunk = []byte{
				chunk[6], chunk[7], chunk[4], chunk[5],
				chunk[2], chunk[3], chunk[0], chunk[1],
			}
		}

		out = append(out, bo.Uint64(chunk))
	}

	return
}

func float64ToBytes(e Endianness, wo WordOrder, in float64) []byte {
	return uint64ToBytes(e, wo, math.Float64bits(in))
}

func bytesToFloat64s(e Endianness, wo WordOrder, in []byte) (out []float64) {
	for _, u64 := range bytesToUint64s(e, wo, in) {
		out = append(out, math.Float64frombits(u64))
	}

	return
}

// encodeBools packs a slice of booleans into LSB-first bytes, as required
// for coil/discrete-input payloads (spec.md §4.1).
func encodeBools(in []bool) (out []byte) {
	byteCount := len(in) / 8
	if len(in)%8 != 0 {
		byteCount++
	}

	out = make([]byte, byteCount)
	for i, v := range in {
		if v {
			out[i/8] |= 0x01 << uint(i%8)
		}
	}

	return
}

// decodeBools unpacks quantity booleans from LSB-first bytes.
func decodeBools(quantity uint16, in []byte) (out []bool) {
	for i := uint(0); i < uint(quantity); i++ {
		out = append(out, (in[i/8]>>(i%8))&0x01 == 0x01)
	}

	return
}
