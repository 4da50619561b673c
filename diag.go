package modbus

import (
	"sync"
	"time"
)

// TraceEvent is one entry in the fixed-depth trace ring (C11).
type TraceEvent struct {
	At           time.Time
	FunctionCode uint8
	Err          error
}

// EventSink is invoked synchronously, in the calling goroutine, every time
// a TraceEvent is recorded. Implementations must not block: they run on
// the server/client's own poll() path.
type EventSink func(TraceEvent)

// errorClass buckets a recorded error into one of a fixed number of slots,
// so Diagnostics can count errors with an array instead of a map (spec.md
// §8 invariant 6: no allocation during poll()). Every sentinel in
// modbus.go gets its own slot; anything else (e.g. the dynamic error from
// mapExceptionCodeToError's default case) falls into errClassOther.
type errorClass uint8

const (
	errClassNone errorClass = iota
	errClassConfigurationError
	errClassRequestTimedOut
	errClassIllegalFunction
	errClassIllegalDataAddress
	errClassIllegalDataValue
	errClassServerDeviceFailure
	errClassBadCRC
	errClassShortFrame
	errClassProtocolError
	errClassBadUnitID
	errClassBadTransactionID
	errClassUnknownProtocolID
	errClassUnexpectedParameters
	errClassInvalidArgument
	errClassCancelled
	errClassNoResources
	errClassBusy
	errClassCircuitOpen
	errClassTransportIsAlreadyOpen
	errClassTransportIsAlreadyClosed
	errClassWouldBlock
	errClassOverlappingRegion
	errClassUnknownRegion
	errClassReadOnlyRegion
	errClassOther

	errClassCount // must stay last
)

// classifyError maps a recorded error to its fixed counter slot.
func classifyError(err error) errorClass {
	switch err {
	case nil:
		return errClassNone
	case ErrConfigurationError:
		return errClassConfigurationError
	case ErrRequestTimedOut:
		return errClassRequestTimedOut
	case ErrIllegalFunction:
		return errClassIllegalFunction
	case ErrIllegalDataAddress:
		return errClassIllegalDataAddress
	case ErrIllegalDataValue:
		return errClassIllegalDataValue
	case ErrServerDeviceFailure:
		return errClassServerDeviceFailure
	case ErrBadCRC:
		return errClassBadCRC
	case ErrShortFrame:
		return errClassShortFrame
	case ErrProtocolError:
		return errClassProtocolError
	case ErrBadUnitID:
		return errClassBadUnitID
	case ErrBadTransactionID:
		return errClassBadTransactionID
	case ErrUnknownProtocolID:
		return errClassUnknownProtocolID
	case ErrUnexpectedParameters:
		return errClassUnexpectedParameters
	case ErrInvalidArgument:
		return errClassInvalidArgument
	case ErrCancelled:
		return errClassCancelled
	case ErrNoResources:
		return errClassNoResources
	case ErrBusy:
		return errClassBusy
	case ErrCircuitOpen:
		return errClassCircuitOpen
	case ErrTransportIsAlreadyOpen:
		return errClassTransportIsAlreadyOpen
	case ErrTransportIsAlreadyClosed:
		return errClassTransportIsAlreadyClosed
	case ErrWouldBlock:
		return errClassWouldBlock
	case ErrOverlappingRegion:
		return errClassOverlappingRegion
	case ErrUnknownRegion:
		return errClassUnknownRegion
	case ErrReadOnlyRegion:
		return errClassReadOnlyRegion
	default:
		return errClassOther
	}
}

// Diagnostics tracks per-function-code and per-error-class counters plus a
// fixed-depth ring of recent trace events, per spec.md §4.10. Both counter
// sets are fixed-size arrays, sized by the wire function-code byte and by
// errClassCount respectively, so recordRequest/recordError never allocate
// on the poll() path (spec.md §8 invariant 6).
type Diagnostics struct {
	mu sync.Mutex

	requestsByFC [256]uint64
	errorsByKind [errClassCount]uint64

	ring     []TraceEvent
	ringHead int
	ringLen  int

	sink EventSink
}

func newDiagnostics(ringDepth int) *Diagnostics {
	if ringDepth <= 0 {
		ringDepth = 64
	}

	return &Diagnostics{
		ring: make([]TraceEvent, ringDepth),
	}
}

// SetEventSink installs a synchronous callback invoked for every recorded
// event. Pass nil to disable.
func (d *Diagnostics) SetEventSink(sink EventSink) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sink = sink
}

func (d *Diagnostics) recordRequest(fc uint8) {
	ev := TraceEvent{At: time.Now(), FunctionCode: fc}

	d.mu.Lock()
	d.requestsByFC[fc]++
	d.pushLocked(ev)
	sink := d.sink
	d.mu.Unlock()

	if sink != nil {
		sink(ev)
	}
}

func (d *Diagnostics) recordError(err error) {
	ev := TraceEvent{At: time.Now(), Err: err}

	d.mu.Lock()
	d.errorsByKind[classifyError(err)]++
	d.pushLocked(ev)
	sink := d.sink
	d.mu.Unlock()

	if sink != nil {
		sink(ev)
	}
}

// pushLocked appends ev to the ring, overwriting the oldest entry once
// full. Caller must hold d.mu.
func (d *Diagnostics) pushLocked(ev TraceEvent) {
	idx := (d.ringHead + d.ringLen) % len(d.ring)

	if d.ringLen < len(d.ring) {
		d.ring[idx] = ev
		d.ringLen++
		return
	}

	d.ring[d.ringHead] = ev
	d.ringHead = (d.ringHead + 1) % len(d.ring)
}

// RequestCount returns the number of requests seen for fc.
func (d *Diagnostics) RequestCount(fc uint8) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.requestsByFC[fc]
}

// ErrorCount returns the number of times err was recorded.
func (d *Diagnostics) ErrorCount(err error) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.errorsByKind[classifyError(err)]
}

// RecentEvents returns a snapshot of the trace ring, oldest first.
func (d *Diagnostics) RecentEvents() []TraceEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]TraceEvent, d.ringLen)
	for i := 0; i < d.ringLen; i++ {
		out[i] = d.ring[(d.ringHead+i)%len(d.ring)]
	}

	return out
}
