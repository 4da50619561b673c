package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiagnosticsCounters(t *testing.T) {
	d := newDiagnostics(4)

	d.recordRequest(fcReadHoldingRegisters)
	d.recordRequest(fcReadHoldingRegisters)
	d.recordError(ErrIllegalDataAddress)

	assert.EqualValues(t, 2, d.RequestCount(fcReadHoldingRegisters))
	assert.EqualValues(t, 1, d.ErrorCount(ErrIllegalDataAddress))
}

func TestDiagnosticsRingWraps(t *testing.T) {
	d := newDiagnostics(2)

	d.recordRequest(fcReadCoils)
	d.recordRequest(fcReadDiscreteInputs)
	d.recordRequest(fcReadHoldingRegisters)

	events := d.RecentEvents()
	assert.Len(t, events, 2)
	assert.Equal(t, fcReadDiscreteInputs, events[0].FunctionCode)
	assert.Equal(t, fcReadHoldingRegisters, events[1].FunctionCode)
}

func TestDiagnosticsEventSinkInvoked(t *testing.T) {
	d := newDiagnostics(8)

	var seen []uint8
	d.SetEventSink(func(ev TraceEvent) {
		seen = append(seen, ev.FunctionCode)
	})

	d.recordRequest(fcWriteSingleCoil)

	assert.Equal(t, []uint8{fcWriteSingleCoil}, seen)
}
