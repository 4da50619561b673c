package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRequestRoundTrip(t *testing.T) {
	req, err := buildReadRequest(fcReadHoldingRegisters, 0, 10)
	require.NoError(t, err)

	addr, quantity, err := parseReadRequest(fcReadHoldingRegisters, req)
	require.NoError(t, err)
	assert.EqualValues(t, 0, addr)
	assert.EqualValues(t, 10, quantity)
}

func TestReadRequestBounds(t *testing.T) {
	// FC 03/04: 1..125 registers
	_, err := buildReadRequest(fcReadHoldingRegisters, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = buildReadRequest(fcReadHoldingRegisters, 0, 126)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = buildReadRequest(fcReadHoldingRegisters, 0, 125)
	assert.NoError(t, err)

	// FC 01/02: 1..2000 bits
	_, err = buildReadRequest(fcReadCoils, 0, 2001)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = buildReadRequest(fcReadCoils, 0, 2000)
	assert.NoError(t, err)

	// the last address (address + quantity - 1) must not exceed 0xffff
	_, err = buildReadRequest(fcReadHoldingRegisters, 0xfff0, 125)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestReadBitsResponseRoundTrip(t *testing.T) {
	values := []bool{true, false, true, true, false, false, false, false, true}

	res, err := buildReadBitsResponse(fcReadCoils, values)
	require.NoError(t, err)

	decoded, err := parseReadBitsResponse(uint16(len(values)), res)
	require.NoError(t, err)
	assert.Equal(t, values, decoded)
}

func TestReadRegistersResponseRoundTrip(t *testing.T) {
	regBytes := uint16sToBytes(BigEndian, []uint16{100, 200, 300})

	res, err := buildReadRegistersResponse(fcReadHoldingRegisters, regBytes)
	require.NoError(t, err)

	decoded, err := parseReadRegistersResponse(3, res)
	require.NoError(t, err)
	assert.Equal(t, regBytes, decoded)
}

func TestWriteSingleCoilRoundTrip(t *testing.T) {
	req := buildWriteSingleCoilRequestOrResponse(fcWriteSingleCoil, 5, true)
	addr, value, err := parseWriteSingleCoilRequestOrResponse(req)
	require.NoError(t, err)
	assert.EqualValues(t, 5, addr)
	assert.True(t, value)
}

func TestWriteSingleCoilMalformedValue(t *testing.T) {
	req := &pdu{functionCode: fcWriteSingleCoil, payload: []byte{0x00, 0x05, 0x12, 0x34}}
	_, _, err := parseWriteSingleCoilRequestOrResponse(req)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestWriteMultipleCoilsRoundTrip(t *testing.T) {
	values := make([]bool, 20)
	for i := range values {
		values[i] = i%3 == 0
	}

	req, err := buildWriteMultipleCoilsRequest(100, values)
	require.NoError(t, err)

	addr, decoded, err := parseWriteMultipleCoilsRequest(req)
	require.NoError(t, err)
	assert.EqualValues(t, 100, addr)
	assert.Equal(t, values, decoded)
}

func TestWriteMultipleCoilsBounds(t *testing.T) {
	_, err := buildWriteMultipleCoilsRequest(0, make([]bool, 1969))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestWriteMultipleRegistersRoundTrip(t *testing.T) {
	regBytes := uint16sToBytes(BigEndian, []uint16{1, 2, 3, 4})

	req, err := buildWriteMultipleRegistersRequest(10, regBytes)
	require.NoError(t, err)

	addr, decoded, err := parseWriteMultipleRegistersRequest(req)
	require.NoError(t, err)
	assert.EqualValues(t, 10, addr)
	assert.Equal(t, regBytes, decoded)
}

func TestWriteMultipleRegistersBounds(t *testing.T) {
	_, err := buildWriteMultipleRegistersRequest(0, make([]byte, 2*124))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestReadWriteMultipleRegistersRoundTrip(t *testing.T) {
	writeBytes := uint16sToBytes(BigEndian, []uint16{9, 8, 7})

	req, err := buildReadWriteMultipleRegistersRequest(0, 4, 100, writeBytes)
	require.NoError(t, err)

	readAddr, readQuantity, writeAddr, decoded, err := parseReadWriteMultipleRegistersRequest(req)
	require.NoError(t, err)
	assert.EqualValues(t, 0, readAddr)
	assert.EqualValues(t, 4, readQuantity)
	assert.EqualValues(t, 100, writeAddr)
	assert.Equal(t, writeBytes, decoded)
}

func TestExceptionResponseRoundTrip(t *testing.T) {
	res := buildExceptionResponse(fcReadHoldingRegisters, exIllegalDataAddress)

	assert.True(t, isException(res))
	assert.Equal(t, fcReadHoldingRegisters|exceptionBit, res.functionCode)

	code, err := parseExceptionResponse(res)
	require.NoError(t, err)
	assert.Equal(t, exIllegalDataAddress, code)
}

func TestExceptionResponseRejectsUnknownCode(t *testing.T) {
	res := &pdu{functionCode: fcReadHoldingRegisters | exceptionBit, payload: []byte{0x09}}
	_, err := parseExceptionResponse(res)
	assert.ErrorIs(t, err, ErrProtocolError)
}

func TestDeviceIdentificationRoundTrip(t *testing.T) {
	req := buildReadDeviceIdentificationRequest()
	require.NoError(t, parseReadDeviceIdentificationRequest(req))

	objects := map[uint8]string{0: "Acme", 1: "Widget-9000", 2: "1.0.0"}
	res, err := buildReadDeviceIdentificationResponse(objects)
	require.NoError(t, err)

	decoded, err := parseReadDeviceIdentificationResponse(res)
	require.NoError(t, err)
	assert.Equal(t, objects, decoded)
}
