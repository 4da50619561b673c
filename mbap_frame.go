package modbus

// MBAP header layout (spec.md §4.3): transaction id (2), protocol id (2,
// always 0), length (2, covers unit id + pdu), unit id (1), followed by
// the PDU itself.
const (
	mbapHeaderLength = 7
	mbapMaxADULength = mbapHeaderLength + maxPDULength
	modbusProtocolID = 0x0000
)

type mbapFramerState uint

const (
	mbapFramerAwaitingHeader mbapFramerState = iota
	mbapFramerAwaitingBody
	mbapFramerFrameReady
)

// mbapFrame is one decoded TCP ADU.
type mbapFrame struct {
	transactionID uint16
	unitID        uint8
	pdu           pdu
}

// mbapFramer accumulates bytes from a stream-oriented Transport (TCP has no
// inherent message boundaries) into whole MBAP ADUs (C4). Like rtuFramer,
// it is driven by repeated non-blocking poll() calls and never blocks.
type mbapFramer struct {
	transport Transport

	buf   []byte
	state mbapFramerState
	want  int
	frame *mbapFrame
}

func newMBAPFramer(transport Transport) *mbapFramer {
	return &mbapFramer{
		transport: transport,
		buf:       make([]byte, 0, mbapMaxADULength),
		want:      mbapHeaderLength,
	}
}

// poll drains available bytes and reports true once a complete ADU has been
// decoded; call takeFrame to consume it.
func (f *mbapFramer) poll() (frameReady bool, err error) {
	var tmp [256]byte

	for len(f.buf) < f.want {
		n, rerr := f.transport.Recv(tmp[:])
		if rerr != nil {
			if rerr == ErrWouldBlock {
				break
			}
			return false, rerr
		}
		if n == 0 {
			break
		}

		f.buf = append(f.buf, tmp[:n]...)
	}

	if f.state == mbapFramerAwaitingHeader && len(f.buf) >= mbapHeaderLength {
		protocolID := bytesToUint16(BigEndian, f.buf[2:4])
		if protocolID != modbusProtocolID {
			f.reset()
			return false, ErrUnknownProtocolID
		}

		length := bytesToUint16(BigEndian, f.buf[4:6])
		if length < 2 || int(length) > maxPDULength+1 {
			f.reset()
			return false, ErrProtocolError
		}

		f.want = mbapHeaderLength + int(length) - 1
		f.state = mbapFramerAwaitingBody
	}

	if f.state == mbapFramerAwaitingBody && len(f.buf) >= f.want {
		transactionID := bytesToUint16(BigEndian, f.buf[0:2])
		unitID := f.buf[6]

		f.frame = &mbapFrame{
			transactionID: transactionID,
			unitID:        unitID,
			pdu: pdu{
				unitID:       unitID,
				functionCode: f.buf[7],
				payload:      append([]byte(nil), f.buf[8:f.want]...),
			},
		}

		f.state = mbapFramerFrameReady

		return true, nil
	}

	return false, nil
}

// takeFrame consumes the buffered ADU, sliding any already-received bytes
// of the next one to the front of the buffer, and resets framing state.
func (f *mbapFramer) takeFrame() *mbapFrame {
	frame := f.frame

	remainder := append([]byte(nil), f.buf[f.want:]...)
	f.buf = append(f.buf[:0], remainder...)
	f.want = mbapHeaderLength
	f.state = mbapFramerAwaitingHeader
	f.frame = nil

	return frame
}

func (f *mbapFramer) reset() {
	f.buf = f.buf[:0]
	f.want = mbapHeaderLength
	f.state = mbapFramerAwaitingHeader
	f.frame = nil
}

// send wraps p in an MBAP header and writes it out. Returns ErrWouldBlock
// (with n == 0) if nothing could be written without blocking; the caller
// must retry the full frame, as partial MBAP writes are not tracked here.
func (f *mbapFramer) send(transactionID uint16, unitID uint8, p *pdu) (n int, err error) {
	length := 1 + 1 + len(p.payload) // unit id + function code + payload

	frame := make([]byte, 0, mbapHeaderLength+1+len(p.payload))
	frame = append(frame, uint16ToBytes(BigEndian, transactionID)...)
	frame = append(frame, uint16ToBytes(BigEndian, modbusProtocolID)...)
	frame = append(frame, uint16ToBytes(BigEndian, uint16(length))...)
	frame = append(frame, unitID, p.functionCode)
	frame = append(frame, p.payload...)

	return f.transport.Send(frame)
}
