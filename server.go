package modbus

import (
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// broadcastUnitID and gatewayUnitID are the reserved unit id values from
// spec.md §4.8: a request addressed to unit 0 is a broadcast (processed,
// never answered); a request addressed to unit 0xFF targets a gateway's
// local device and is always accepted regardless of configured unit ids.
const (
	broadcastUnitID uint8 = 0x00
	gatewayUnitID   uint8 = 0xff
)

// ServerConfiguration stores the configuration needed to create a Modbus
// server (spec.md §3/§9).
type ServerConfiguration struct {
	// URL sets the server mode and listen/device location, in the form
	// <mode>://<serial device or host:port>, e.g. tcp://0.0.0.0:502.
	URL string
	// Speed sets the serial link speed (in bps, rtu only).
	Speed int
	// DataBits, Parity, StopBits configure the serial line (rtu only).
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
	// MaxClients bounds the number of concurrent TCP connections served.
	MaxClients int
	// UnitIDs is the set of unit ids this server answers for (besides the
	// reserved broadcast/gateway ids). Empty means "answer any unit id".
	UnitIDs []uint8
	// Logger provides a custom sink for log messages.
	Logger *log.Logger
}

type serverTransportKind uint

const (
	serverTransportRTU serverTransportKind = iota
	serverTransportTCP
)

// Server is the non-blocking, poll()-driven Modbus server core (C9): it
// owns a RegionTable and zero or more connections, each running its own
// receive/parse/dispatch/respond state machine.
type Server struct {
	conf   ServerConfiguration
	logger *logger
	lock   sync.Mutex

	kind     serverTransportKind
	regions  *RegionTable
	unitIDs  map[uint8]bool
	anyUnit  bool
	diag     *Diagnostics

	listener net.Listener
	conns    []*serverConn

	closed bool
}

type serverConnState uint

const (
	connIdle serverConnState = iota
	connDispatching
)

// serverConn is one connection's request/response cycle (C9). RTU servers
// have exactly one serverConn (the shared serial line); TCP servers have
// one per accepted client.
type serverConn struct {
	transport Transport
	rtu       *rtuFramer
	mbap      *mbapFramer
	state     serverConnState
}

// NewServer builds a Modbus server that dispatches requests against
// regions. Call Start to begin listening/polling.
func NewServer(conf *ServerConfiguration, regions []*Region) (s *Server, err error) {
	rt, err := NewRegionTable(regions)
	if err != nil {
		return nil, err
	}

	s = &Server{
		conf:    *conf,
		regions: rt,
		diag:    newDiagnostics(256),
	}

	originalURL := s.conf.URL

	var serverType string
	splitURL := strings.SplitN(s.conf.URL, "://", 2)
	if len(splitURL) == 2 {
		serverType = splitURL[0]
		s.conf.URL = splitURL[1]
	}

	s.logger = newLogger("modbus-server("+s.conf.URL+")", s.conf.Logger)

	switch serverType {
	case "rtu":
		if s.conf.URL == "" {
			s.logger.Errorf("missing device part in URL '%s'", originalURL)
			return nil, ErrConfigurationError
		}
		if s.conf.Speed == 0 {
			s.conf.Speed = 19200
		}
		s.kind = serverTransportRTU
	case "tcp":
		if s.conf.URL == "" {
			s.logger.Errorf("missing host part in URL '%s'", originalURL)
			return nil, ErrConfigurationError
		}
		if s.conf.MaxClients == 0 {
			s.conf.MaxClients = 32
		}
		s.kind = serverTransportTCP
	default:
		if len(splitURL) != 2 {
			s.logger.Errorf("missing server type in URL '%s'", originalURL)
		} else {
			s.logger.Errorf("unsupported server type '%s'", serverType)
		}
		return nil, ErrConfigurationError
	}

	if len(conf.UnitIDs) == 0 {
		s.anyUnit = true
	} else {
		s.unitIDs = make(map[uint8]bool, len(conf.UnitIDs))
		for _, id := range conf.UnitIDs {
			s.unitIDs[id] = true
		}
	}

	return s, nil
}

// Diagnostics returns the server's per-function-code request counters,
// per-error-class counters, and recent trace ring (C11).
func (s *Server) Diagnostics() *Diagnostics {
	return s.diag
}

// Start opens the transport (serial device, or TCP listener) and begins
// accepting connections if applicable.
func (s *Server) Start() (err error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	switch s.kind {
	case serverTransportRTU:
		st := newSerialTransport(SerialConfig{
			Device:   s.conf.URL,
			Speed:    s.conf.Speed,
			DataBits: s.conf.DataBits,
			Parity:   s.conf.Parity,
			StopBits: s.conf.StopBits,
		})
		if err = st.Open(); err != nil {
			return err
		}

		s.conns = append(s.conns, &serverConn{
			transport: st,
			rtu:       newRTUFramer(st, s.conf.Speed),
		})

	case serverTransportTCP:
		s.listener, err = net.Listen("tcp", s.conf.URL)
		if err != nil {
			return err
		}

		go s.acceptLoop()
	}

	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.lock.Lock()
		if len(s.conns) >= s.conf.MaxClients {
			s.lock.Unlock()
			conn.Close()
			continue
		}

		transport := newSocketTransport(conn)
		s.conns = append(s.conns, &serverConn{
			transport: transport,
			mbap:      newMBAPFramer(transport),
		})
		s.lock.Unlock()
	}
}

// Stop closes the listener/serial device and every open connection.
func (s *Server) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return ErrTransportIsAlreadyClosed
	}
	s.closed = true

	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range s.conns {
		c.transport.Close()
	}

	return nil
}

// Poll drives one iteration of every connection's state machine: framing,
// dispatch and response. It must be called repeatedly for the server to
// make progress; it never blocks longer than one non-blocking Recv per
// connection.
func (s *Server) Poll() {
	s.lock.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.lock.Unlock()

	now := time.Now()

	for _, c := range conns {
		s.pollConn(c, now)
	}
}

func (s *Server) pollConn(c *serverConn, now time.Time) {
	if c.rtu != nil {
		ready, err := c.rtu.poll(now)
		if err != nil {
			s.diag.recordError(err)
			return
		}
		if !ready {
			return
		}

		unitID, req := c.rtu.takeFrame()
		s.dispatch(c, unitID, 0, req)

		return
	}

	ready, err := c.mbap.poll()
	if err != nil {
		s.diag.recordError(err)
		return
	}
	if !ready {
		return
	}

	frame := c.mbap.takeFrame()
	s.dispatch(c, frame.unitID, frame.transactionID, &frame.pdu)
}

// dispatch implements the Receiving->Parsing->Dispatching->Responding
// transitions of C9.
func (s *Server) dispatch(c *serverConn, unitID uint8, transactionID uint16, req *pdu) {
	s.diag.recordRequest(req.functionCode)

	broadcast := unitID == broadcastUnitID
	accepted := broadcast || unitID == gatewayUnitID || s.anyUnit || s.unitIDs[unitID]

	if !accepted {
		return
	}

	res, handlerErr := s.handle(req)

	if broadcast {
		// broadcasts are processed but never answered, per spec.md §4.8.
		return
	}

	var response *pdu
	if handlerErr != nil {
		s.diag.recordError(handlerErr)
		response = buildExceptionResponse(req.functionCode, exceptionCodeFromError(handlerErr))
	} else {
		response = res
	}

	if c.rtu != nil {
		c.rtu.send(unitID, response)
	} else {
		c.mbap.send(transactionID, unitID, response)
	}
}

// handle decodes req, dispatches to the region table, and encodes the
// response PDU. Errors are mapped to wire exceptions by the caller.
func (s *Server) handle(req *pdu) (res *pdu, err error) {
	switch req.functionCode {
	case fcReadCoils, fcReadDiscreteInputs:
		return s.handleReadBits(req)
	case fcReadHoldingRegisters, fcReadInputRegisters:
		return s.handleReadRegisters(req)
	case fcWriteSingleCoil:
		return s.handleWriteSingleCoil(req)
	case fcWriteSingleRegister:
		return s.handleWriteSingleRegister(req)
	case fcWriteMultipleCoils:
		return s.handleWriteMultipleCoils(req)
	case fcWriteMultipleRegisters:
		return s.handleWriteMultipleRegisters(req)
	case fcReadWriteMultiRegisters:
		return s.handleReadWriteMultipleRegisters(req)
	case fcReadDeviceIdentification:
		return s.handleReadDeviceIdentification(req)
	default:
		return nil, ErrIllegalFunction
	}
}

func (s *Server) handleReadBits(req *pdu) (res *pdu, err error) {
	addr, quantity, err := parseReadRequest(req.functionCode, req)
	if err != nil {
		return nil, err
	}

	kind := RegionCoils
	if req.functionCode == fcReadDiscreteInputs {
		kind = RegionDiscreteInputs
	}

	values, err := s.readBits(kind, addr, quantity)
	if err != nil {
		return nil, err
	}

	return buildReadBitsResponse(req.functionCode, values)
}

func (s *Server) readBits(kind RegionKind, addr uint16, quantity uint16) (values []bool, err error) {
	regions, err := s.regions.lookupSpan(kind, addr, quantity)
	if err != nil {
		return nil, err
	}

	values = make([]bool, 0, quantity)
	for want := uint32(addr); want < uint32(addr)+uint32(quantity); {
		r := s.pickRegion(regions, uint16(want))

		if r.OnBitRead != nil {
			n := minU32(r.end()-want, uint32(addr)+uint32(quantity)-want)
			v, rerr := r.OnBitRead(uint16(want), uint16(n))
			if rerr != nil {
				return nil, rerr
			}
			values = append(values, v...)
			want += uint32(n)
			continue
		}

		idx := want - uint32(r.Start)
		values = append(values, r.Bits[idx])
		want++
	}

	return values, nil
}

func (s *Server) handleReadRegisters(req *pdu) (res *pdu, err error) {
	addr, quantity, err := parseReadRequest(req.functionCode, req)
	if err != nil {
		return nil, err
	}

	kind := RegionHoldingRegisters
	if req.functionCode == fcReadInputRegisters {
		kind = RegionInputRegisters
	}

	raw, err := s.readRegisters(kind, addr, quantity)
	if err != nil {
		return nil, err
	}

	return buildReadRegistersResponse(req.functionCode, raw)
}

func (s *Server) readRegisters(kind RegionKind, addr uint16, quantity uint16) (raw []byte, err error) {
	regions, err := s.regions.lookupSpan(kind, addr, quantity)
	if err != nil {
		return nil, err
	}

	for want := uint32(addr); want < uint32(addr)+uint32(quantity); {
		r := s.pickRegion(regions, uint16(want))

		if r.OnRegisterRead != nil {
			n := minU32(r.end()-want, uint32(addr)+uint32(quantity)-want)
			v, rerr := r.OnRegisterRead(uint16(want), uint16(n))
			if rerr != nil {
				return nil, rerr
			}
			raw = append(raw, uint16sToBytes(BigEndian, v)...)
			want += uint32(n)
			continue
		}

		idx := want - uint32(r.Start)
		raw = append(raw, uint16ToBytes(BigEndian, r.Registers[idx])...)
		want++
	}

	return raw, nil
}

func (s *Server) handleWriteSingleCoil(req *pdu) (res *pdu, err error) {
	addr, value, err := parseWriteSingleCoilRequestOrResponse(req)
	if err != nil {
		return nil, err
	}

	if err = s.writeBits(addr, []bool{value}); err != nil {
		return nil, err
	}

	return buildWriteSingleCoilRequestOrResponse(fcWriteSingleCoil, addr, value), nil
}

func (s *Server) writeBits(addr uint16, values []bool) error {
	regions, err := s.regions.lookupSpan(RegionCoils, addr, uint16(len(values)))
	if err != nil {
		return err
	}

	for i, v := range values {
		want := uint32(addr) + uint32(i)
		r := s.pickRegion(regions, uint16(want))
		if r.ReadOnly {
			return ErrReadOnlyRegion
		}

		if r.OnBitWrite != nil {
			if err = r.OnBitWrite(uint16(want), []bool{v}); err != nil {
				return err
			}
			continue
		}

		r.Bits[want-uint32(r.Start)] = v
	}

	return nil
}

func (s *Server) handleWriteSingleRegister(req *pdu) (res *pdu, err error) {
	addr, rawValue, err := parseWriteSingleRegisterRequestOrResponse(req)
	if err != nil {
		return nil, err
	}

	if err = s.writeRegisters(addr, rawValue); err != nil {
		return nil, err
	}

	return buildWriteSingleRegisterRequestOrResponse(addr, rawValue), nil
}

func (s *Server) writeRegisters(addr uint16, rawValues []byte) error {
	values := bytesToUint16s(BigEndian, rawValues)

	regions, err := s.regions.lookupSpan(RegionHoldingRegisters, addr, uint16(len(values)))
	if err != nil {
		return err
	}

	for i, v := range values {
		want := uint32(addr) + uint32(i)
		r := s.pickRegion(regions, uint16(want))
		if r.ReadOnly {
			return ErrReadOnlyRegion
		}

		if r.OnRegisterWrite != nil {
			if err = r.OnRegisterWrite(uint16(want), []uint16{v}); err != nil {
				return err
			}
			continue
		}

		r.Registers[want-uint32(r.Start)] = v
	}

	return nil
}

func (s *Server) handleWriteMultipleCoils(req *pdu) (res *pdu, err error) {
	addr, values, err := parseWriteMultipleCoilsRequest(req)
	if err != nil {
		return nil, err
	}

	if err = s.writeBits(addr, values); err != nil {
		return nil, err
	}

	return buildWriteMultipleResponse(fcWriteMultipleCoils, addr, uint16(len(values))), nil
}

func (s *Server) handleWriteMultipleRegisters(req *pdu) (res *pdu, err error) {
	addr, rawValues, err := parseWriteMultipleRegistersRequest(req)
	if err != nil {
		return nil, err
	}

	if err = s.writeRegisters(addr, rawValues); err != nil {
		return nil, err
	}

	return buildWriteMultipleResponse(fcWriteMultipleRegisters, addr, uint16(len(rawValues)/2)), nil
}

// handleReadWriteMultipleRegisters implements FC 0x17: the write half is
// applied before the read half is taken, per the Modbus application
// protocol's defined ordering for this function code.
func (s *Server) handleReadWriteMultipleRegisters(req *pdu) (res *pdu, err error) {
	readAddr, readQuantity, writeAddr, writeBytes, err := parseReadWriteMultipleRegistersRequest(req)
	if err != nil {
		return nil, err
	}

	if err = s.writeRegisters(writeAddr, writeBytes); err != nil {
		return nil, err
	}

	raw, err := s.readRegisters(RegionHoldingRegisters, readAddr, readQuantity)
	if err != nil {
		return nil, err
	}

	return buildReadRegistersResponse(fcReadWriteMultiRegisters, raw)
}

func (s *Server) handleReadDeviceIdentification(req *pdu) (res *pdu, err error) {
	if err = parseReadDeviceIdentificationRequest(req); err != nil {
		return nil, err
	}

	return buildReadDeviceIdentificationResponse(map[uint8]string{
		0x00: "modbuscore",
		0x01: "modbuscore-server",
		0x02: "1.0",
	})
}

// pickRegion returns the region in regions (ordered, as returned by
// lookupSpan) covering addr.
func (s *Server) pickRegion(regions []*Region, addr uint16) *Region {
	for _, r := range regions {
		if r.contains(addr) {
			return r
		}
	}

	return regions[len(regions)-1]
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
