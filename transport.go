package modbus

import (
	"net"
	"time"

	"go.bug.st/serial"
)

// Transport is the core-facing, non-blocking I/O contract (C5, spec.md
// §4.4). Every call must return promptly: Send and Recv either make
// progress and report how many bytes were moved, or report ErrWouldBlock
// with zero bytes processed (partial writes are allowed and the caller is
// expected to retry with the unsent tail). Apart from the optional
// DirectionSetter below, the core calls nothing else on the transport.
type Transport interface {
	// Send writes as much of buf as the transport can accept right now.
	// It returns ErrWouldBlock (with n == 0) if nothing could be written
	// without blocking.
	Send(buf []byte) (n int, err error)
	// Recv reads into buf without blocking. It returns ErrWouldBlock (with
	// n == 0) if no data is currently available.
	Recv(buf []byte) (n int, err error)
	// NowMillis returns a monotonic millisecond timestamp.
	NowMillis() int64
	// Yield is an optional cooperative hint; may sleep briefly or no-op.
	Yield()
	// Close releases the underlying resource.
	Close() error
}

// DirectionSetter is implemented by half-duplex RTU links that need
// explicit DE/RE toggling between transmit and receive.
type DirectionSetter interface {
	SetDirection(tx bool)
}

// MicrosecondTransport is implemented by transports that expose a
// microsecond clock. The RTU framer does not consult it: it measures T3.5
// silence against the time.Time passed to its poll.
type MicrosecondTransport interface {
	NowMicros() int64
}

// --- serial (RTU) transport ----------------------------------------------

// SerialConfig configures the underlying serial port for RTU transports.
type SerialConfig struct {
	Device   string
	Speed    int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
}

// serialTransport adapts go.bug.st/serial to the Transport contract. Reads
// use a short fixed port timeout; a timeout is translated to
// ErrWouldBlock rather than propagated, giving poll() its non-blocking
// semantics over a fundamentally blocking termios API.
type serialTransport struct {
	conf   SerialConfig
	port   serial.Port
	txMode bool
}

const serialPollTimeout = 2 * time.Millisecond

func newSerialTransport(conf SerialConfig) *serialTransport {
	return &serialTransport{conf: conf}
}

func (st *serialTransport) Open() (err error) {
	st.port, err = serial.Open(st.conf.Device, &serial.Mode{
		BaudRate: st.conf.Speed,
		DataBits: st.conf.DataBits,
		Parity:   st.conf.Parity,
		StopBits: st.conf.StopBits,
	})
	if err != nil {
		return
	}

	err = st.port.SetReadTimeout(serialPollTimeout)

	return
}

func (st *serialTransport) Send(buf []byte) (n int, err error) {
	n, err = st.port.Write(buf)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrWouldBlock
	}

	return n, nil
}

func (st *serialTransport) Recv(buf []byte) (n int, err error) {
	n, err = st.port.Read(buf)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrWouldBlock
	}

	return n, nil
}

func (st *serialTransport) NowMillis() int64 {
	return time.Now().UnixMilli()
}

func (st *serialTransport) NowMicros() int64 {
	return time.Now().UnixMicro()
}

func (st *serialTransport) Yield() {
	time.Sleep(time.Millisecond)
}

func (st *serialTransport) Close() error {
	return st.port.Close()
}

func (st *serialTransport) SetDirection(tx bool) {
	// most USB/RS-485 adapters handle DE/RE in hardware; this hook exists
	// for adapters that expose RTS-toggled half duplex via the serial
	// line itself.
	st.txMode = tx
	_ = st.port.SetRTS(tx)
}

// --- socket (TCP/MBAP) transport ------------------------------------------

// socketTransport adapts a net.Conn to the Transport contract using a
// short deadline: each Read or Write gets a deadline of now plus
// socketPollTimeout, and a deadline expiry is reported as ErrWouldBlock.
type socketTransport struct {
	conn net.Conn
}

func newSocketTransport(conn net.Conn) *socketTransport {
	return &socketTransport{conn: conn}
}

const socketPollTimeout = 1 * time.Millisecond

func (so *socketTransport) Send(buf []byte) (n int, err error) {
	so.conn.SetWriteDeadline(time.Now().Add(socketPollTimeout))

	n, err = so.conn.Write(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, ErrWouldBlock
		}
		return n, err
	}

	return n, nil
}

func (so *socketTransport) Recv(buf []byte) (n int, err error) {
	so.conn.SetReadDeadline(time.Now().Add(socketPollTimeout))

	n, err = so.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	if n == 0 {
		return 0, ErrWouldBlock
	}

	return n, nil
}

func (so *socketTransport) NowMillis() int64 {
	return time.Now().UnixMilli()
}

func (so *socketTransport) Yield() {
	time.Sleep(time.Millisecond)
}

func (so *socketTransport) Close() error {
	return so.conn.Close()
}
