package modbus

// memTransport is an in-memory Transport double used by the frame-layer
// tests: inbound bytes are fed in up front and drained as Recv chunks,
// outbound bytes accumulate in sent for assertions.
type memTransport struct {
	inbound  []byte
	inOffset int
	chunk    int
	sent     []byte
}

func newMemTransport(inbound []byte, chunk int) *memTransport {
	if chunk <= 0 {
		chunk = len(inbound)
		if chunk == 0 {
			chunk = 1
		}
	}

	return &memTransport{inbound: inbound, chunk: chunk}
}

func (m *memTransport) Send(buf []byte) (int, error) {
	m.sent = append(m.sent, buf...)
	return len(buf), nil
}

func (m *memTransport) Recv(buf []byte) (int, error) {
	if m.inOffset >= len(m.inbound) {
		return 0, ErrWouldBlock
	}

	n := m.chunk
	if remaining := len(m.inbound) - m.inOffset; n > remaining {
		n = remaining
	}
	if n > len(buf) {
		n = len(buf)
	}

	copy(buf, m.inbound[m.inOffset:m.inOffset+n])
	m.inOffset += n

	return n, nil
}

func (m *memTransport) NowMillis() int64 { return 0 }
func (m *memTransport) Yield()           {}
func (m *memTransport) Close() error     { return nil }
