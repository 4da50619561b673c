package modbus

// newLoopbackPair wires two Transport endpoints together in-process: bytes
// sent on one side become readable on the other. Used to drive client and
// server state machines against each other without a real socket or
// serial line.
type loopbackTransport struct {
	out *[]byte
	in  *[]byte
}

func newLoopbackPair() (a, b *loopbackTransport) {
	bufA := make([]byte, 0, 256)
	bufB := make([]byte, 0, 256)

	a = &loopbackTransport{out: &bufA, in: &bufB}
	b = &loopbackTransport{out: &bufB, in: &bufA}

	return
}

func (l *loopbackTransport) Send(buf []byte) (int, error) {
	*l.out = append(*l.out, buf...)
	return len(buf), nil
}

func (l *loopbackTransport) Recv(buf []byte) (int, error) {
	if len(*l.in) == 0 {
		return 0, ErrWouldBlock
	}

	n := copy(buf, *l.in)
	*l.in = (*l.in)[n:]

	return n, nil
}

func (l *loopbackTransport) NowMillis() int64 { return 0 }
func (l *loopbackTransport) Yield()           {}
func (l *loopbackTransport) Close() error     { return nil }
