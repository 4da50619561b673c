package modbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildRTUFrame(unitID uint8, p *pdu) []byte {
	frame := []byte{unitID, p.functionCode}
	frame = append(frame, p.payload...)

	c := crc{}
	c.init()
	c.add(frame)

	return append(frame, c.value()...)
}

func TestRTUFramerDecodesAfterSilence(t *testing.T) {
	req, err := buildReadRequest(fcReadHoldingRegisters, 0, 2)
	require.NoError(t, err)

	wire := buildRTUFrame(0x11, req)
	tr := newMemTransport(wire, 64)

	f := newRTUFramer(tr, 19200)

	now := time.Now()
	ready, err := f.poll(now)
	require.NoError(t, err)
	assert.False(t, ready, "frame should not be ready before the silence gap elapses")

	ready, err = f.poll(now.Add(f.t35 + time.Microsecond))
	require.NoError(t, err)
	require.True(t, ready)

	unitID, got := f.takeFrame()
	assert.EqualValues(t, 0x11, unitID)
	assert.Equal(t, req.functionCode, got.functionCode)
	assert.Equal(t, req.payload, got.payload)
}

func TestRTUFramerRejectsBadCRC(t *testing.T) {
	wire := []byte{0x11, 0x03, 0x00, 0x00, 0x00, 0x02, 0xde, 0xad}
	tr := newMemTransport(wire, 64)

	f := newRTUFramer(tr, 19200)
	now := time.Now()

	_, err := f.poll(now)
	require.NoError(t, err)

	_, err = f.poll(now.Add(f.t35 + time.Microsecond))
	assert.ErrorIs(t, err, ErrBadCRC)
}

func TestRTUFramerSendAppendsCRC(t *testing.T) {
	tr := newMemTransport(nil, 1)
	f := newRTUFramer(tr, 19200)

	resp := buildWriteSingleCoilRequestOrResponse(fcWriteSingleCoil, 5, true)
	n, err := f.send(0x2a, resp)
	require.NoError(t, err)
	assert.Equal(t, len(tr.sent), n)

	want := buildRTUFrame(0x2a, resp)
	assert.Equal(t, want, tr.sent)
}

func TestRTUFramerHandlesFragmentedArrival(t *testing.T) {
	req, err := buildReadRequest(fcReadCoils, 0, 8)
	require.NoError(t, err)
	wire := buildRTUFrame(0x01, req)

	tr := newMemTransport(wire, 2) // arrives two bytes at a time, drained in one poll
	f := newRTUFramer(tr, 19200)

	now := time.Now()
	ready, err := f.poll(now)
	require.NoError(t, err)
	assert.False(t, ready, "frame should not be ready before the silence gap elapses")

	ready, err = f.poll(now.Add(f.t35 + time.Microsecond))
	require.NoError(t, err)
	require.True(t, ready)
}
