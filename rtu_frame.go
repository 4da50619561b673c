package modbus

import (
	"time"
)

// RTU ADU shape: [unit id][pdu function+payload][crc lo][crc hi].
const (
	rtuMinFrameLength = 4 // unit id + function code + 2 bytes crc
	rtuMaxFrameLength = 1 + maxPDULength + 2
)

// silence thresholds per spec.md §4.3. T1.5/T3.5 character times are
// derived from the link's baud rate; above 19200 bps (or when the baud is
// unknown, 0) they are fixed at 750us/1750us regardless of baud.
const (
	minInterCharTimeout  = 750 * time.Microsecond
	minInterFrameTimeout = 1750 * time.Microsecond
)

func interCharTimeout(baud int) time.Duration {
	if baud == 0 || baud > 19200 {
		return minInterCharTimeout
	}

	charTime := time.Second * 11 / time.Duration(baud)
	t := charTime * 3 / 2
	if t < minInterCharTimeout {
		return minInterCharTimeout
	}

	return t
}

func interFrameTimeout(baud int) time.Duration {
	if baud == 0 || baud > 19200 {
		return minInterFrameTimeout
	}

	charTime := time.Second * 11 / time.Duration(baud)
	t := charTime * 7 / 2
	if t < minInterFrameTimeout {
		return minInterFrameTimeout
	}

	return t
}

type rtuFramerState uint

const (
	rtuFramerIdle rtuFramerState = iota
	rtuFramerReceiving
	rtuFramerFrameReady
)

// rtuFramer turns a byte-oriented Transport into whole RTU ADUs using
// T3.5 silence detection (C3). It holds no goroutines: poll() must be
// called repeatedly by the owning client/server state machine and never
// blocks for longer than a single non-blocking Recv.
type rtuFramer struct {
	transport Transport

	baud          int
	t35           time.Duration
	lastByteAt    time.Time
	state         rtuFramerState
	rxBuf [rtuMaxFrameLength]byte
	rxLen int
	frame []byte
}

func newRTUFramer(transport Transport, baud int) *rtuFramer {
	return &rtuFramer{
		transport: transport,
		baud:      baud,
		t35:       interFrameTimeout(baud),
	}
}

// poll drains whatever bytes are currently available from the transport and
// advances the silence timer. It returns true exactly once a complete,
// CRC-valid frame is buffered; call takeFrame to consume it.
func (f *rtuFramer) poll(now time.Time) (frameReady bool, err error) {
	var tmp [64]byte

	for {
		n, rerr := f.transport.Recv(tmp[:])
		if rerr != nil {
			if rerr == ErrWouldBlock {
				break
			}
			return false, rerr
		}

		if f.state == rtuFramerFrameReady {
			// previous frame not yet consumed; drop new bytes rather than
			// corrupting the pending one.
			continue
		}

		for i := 0; i < n; i++ {
			if f.rxLen >= len(f.rxBuf) {
				// overlong frame: resync by discarding and waiting for
				// the next silence gap.
				f.rxLen = 0
			}
			f.rxBuf[f.rxLen] = tmp[i]
			f.rxLen++
		}

		f.lastByteAt = now
		f.state = rtuFramerReceiving
	}

	if f.state == rtuFramerReceiving && f.rxLen >= rtuMinFrameLength && now.Sub(f.lastByteAt) >= f.t35 {
		if !f.validateCRC() {
			f.rxLen = 0
			f.state = rtuFramerIdle
			return false, ErrBadCRC
		}

		f.frame = f.rxBuf[:f.rxLen-2]
		f.state = rtuFramerFrameReady

		return true, nil
	}

	return false, nil
}

func (f *rtuFramer) validateCRC() bool {
	c := crc{}
	c.init()
	c.add(f.rxBuf[:f.rxLen-2])

	return c.isEqual(f.rxBuf[f.rxLen-2], f.rxBuf[f.rxLen-1])
}

// takeFrame returns the unit id and PDU of the buffered frame and resets
// the framer to receive the next one.
func (f *rtuFramer) takeFrame() (unitID uint8, p *pdu) {
	unitID = f.frame[0]
	p = &pdu{
		unitID:       unitID,
		functionCode: f.frame[1],
		payload:      append([]byte(nil), f.frame[2:]...),
	}

	f.rxLen = 0
	f.state = rtuFramerIdle
	f.frame = nil

	return
}

// send wraps unitID+p in a CRC-checked RTU ADU and writes it out with a
// single transport Send, returning what Send returned. An unsent tail of a
// partial write is not kept and is not retried by the framer.
func (f *rtuFramer) send(unitID uint8, p *pdu) (n int, err error) {
	frame := make([]byte, 0, 2+len(p.payload)+2)
	frame = append(frame, unitID, p.functionCode)
	frame = append(frame, p.payload...)

	c := crc{}
	c.init()
	c.add(frame)
	frame = append(frame, c.value()...)

	if ds, ok := f.transport.(DirectionSetter); ok {
		ds.SetDirection(true)
	}

	n, err = f.transport.Send(frame)
	if err != nil {
		return n, err
	}

	if ds, ok := f.transport.(DirectionSetter); ok && n == len(frame) {
		ds.SetDirection(false)
	}

	return n, nil
}

// reset discards any partially-received frame and returns the framer to
// idle, ready to resynchronize on the next inter-frame gap.
func (f *rtuFramer) reset() {
	f.rxLen = 0
	f.state = rtuFramerIdle
	f.frame = nil
}
