package modbus

import (
	"fmt"
)

// PDU bounds, authoritative per spec.md §3.
const (
	maxBitsPerRead      uint16 = 2000
	maxRegistersPerRead uint16 = 125
	maxCoilsPerWrite    uint16 = 1968
	maxRegsPerWrite     uint16 = 123
	maxRegsPerRWRead    uint16 = 125
	maxRegsPerRWWrite   uint16 = 121
)

// The PDU codec (C2) is pure: no I/O, no retained state, only bounds
// validation and big-endian/bit-packed (de)serialization. Every build*
// function validates its inputs against the FC-specific range before
// touching the wire and returns ErrInvalidArgument on violation, exactly
// as spec.md §4.1 requires.

func checkAddressRange(addr uint16, quantity uint16) error {
	if quantity == 0 {
		return ErrInvalidArgument
	}
	if uint32(addr)+uint32(quantity)-1 > 0xffff {
		return ErrInvalidArgument
	}

	return nil
}

// --- reads (FC 01/02/03/04) -------------------------------------------

// buildReadRequest encodes a read request (coils, discrete inputs or
// registers, depending on fc) for [addr, addr+quantity).
func buildReadRequest(fc uint8, addr uint16, quantity uint16) (req *pdu, err error) {
	var limit uint16

	switch fc {
	case fcReadCoils, fcReadDiscreteInputs:
		limit = maxBitsPerRead
	case fcReadHoldingRegisters, fcReadInputRegisters:
		limit = maxRegistersPerRead
	default:
		return nil, fmt.Errorf("unsupported function code 0x%02x", fc)
	}

	if quantity > limit {
		return nil, ErrInvalidArgument
	}
	if err = checkAddressRange(addr, quantity); err != nil {
		return nil, err
	}

	req = &pdu{
		functionCode: fc,
		payload:      append(uint16ToBytes(BigEndian, addr), uint16ToBytes(BigEndian, quantity)...),
	}

	return
}

// parseReadRequest decodes a read request previously built by buildReadRequest,
// validating the FC-specific quantity range (used server-side, C9).
func parseReadRequest(fc uint8, req *pdu) (addr uint16, quantity uint16, err error) {
	if len(req.payload) != 4 {
		err = ErrInvalidArgument
		return
	}

	addr = bytesToUint16(BigEndian, req.payload[0:2])
	quantity = bytesToUint16(BigEndian, req.payload[2:4])

	var limit uint16
	switch fc {
	case fcReadCoils, fcReadDiscreteInputs:
		limit = maxBitsPerRead
	case fcReadHoldingRegisters, fcReadInputRegisters:
		limit = maxRegistersPerRead
	default:
		err = fmt.Errorf("unsupported function code 0x%02x", fc)
		return
	}

	if quantity == 0 || quantity > limit {
		err = ErrInvalidArgument
		return
	}
	if uint32(addr)+uint32(quantity)-1 > 0xffff {
		err = ErrInvalidArgument
	}

	return
}

// buildReadBitsResponse encodes the byte-count-prefixed bit payload for a
// FC 01/02 response.
func buildReadBitsResponse(fc uint8, values []bool) (res *pdu, err error) {
	if len(values) == 0 || uint16(len(values)) > maxBitsPerRead {
		return nil, ErrInvalidArgument
	}

	packed := encodeBools(values)
	if len(packed)+1 > maxPayloadBytes {
		return nil, ErrInvalidArgument
	}

	res = &pdu{
		functionCode: fc,
		payload:      append([]byte{byte(len(packed))}, packed...),
	}

	return
}

// parseReadBitsResponse decodes a FC 01/02 response, validating the byte
// count field against the requested quantity.
func parseReadBitsResponse(quantity uint16, res *pdu) (values []bool, err error) {
	expectedLen := 1 + int(quantity)/8
	if quantity%8 != 0 {
		expectedLen++
	}

	if len(res.payload) != expectedLen {
		err = ErrProtocolError
		return
	}
	if int(res.payload[0])+1 != expectedLen {
		err = ErrProtocolError
		return
	}

	values = decodeBools(quantity, res.payload[1:])

	return
}

// buildReadRegistersResponse encodes the byte-count-prefixed register
// payload for a FC 03/04 response. values are raw big-endian register bytes
// (2 bytes per register); the codec never interprets endianness/word order,
// that is a client-side concern layered above it.
func buildReadRegistersResponse(fc uint8, registerBytes []byte) (res *pdu, err error) {
	if len(registerBytes) == 0 || len(registerBytes)%2 != 0 {
		return nil, ErrInvalidArgument
	}
	quantity := len(registerBytes) / 2
	if quantity > int(maxRegistersPerRead) {
		return nil, ErrInvalidArgument
	}
	if len(registerBytes)+1 > maxPayloadBytes {
		return nil, ErrInvalidArgument
	}

	res = &pdu{
		functionCode: fc,
		payload:      append([]byte{byte(len(registerBytes))}, registerBytes...),
	}

	return
}

// parseReadRegistersResponse decodes a FC 03/04 response and returns the
// raw register bytes (still big-endian, 2 bytes per register).
func parseReadRegistersResponse(quantity uint16, res *pdu) (registerBytes []byte, err error) {
	expectedLen := 1 + 2*int(quantity)

	if len(res.payload) != expectedLen {
		err = ErrProtocolError
		return
	}
	if int(res.payload[0]) != 2*int(quantity) {
		err = ErrProtocolError
		return
	}

	registerBytes = res.payload[1:]

	return
}

// --- single writes (FC 05/06) -------------------------------------------

func buildWriteSingleCoilRequestOrResponse(fc uint8, addr uint16, value bool) (p *pdu) {
	coilValue := []byte{0x00, 0x00}
	if value {
		coilValue = []byte{0xff, 0x00}
	}

	p = &pdu{
		functionCode: fc,
		payload:      append(uint16ToBytes(BigEndian, addr), coilValue...),
	}

	return
}

func parseWriteSingleCoilRequestOrResponse(p *pdu) (addr uint16, value bool, err error) {
	if len(p.payload) != 4 {
		err = ErrInvalidArgument
		return
	}

	addr = bytesToUint16(BigEndian, p.payload[0:2])

	switch {
	case p.payload[2] == 0xff && p.payload[3] == 0x00:
		value = true
	case p.payload[2] == 0x00 && p.payload[3] == 0x00:
		value = false
	default:
		err = ErrInvalidArgument
	}

	return
}

func buildWriteSingleRegisterRequestOrResponse(addr uint16, rawValue []byte) (p *pdu) {
	p = &pdu{
		functionCode: fcWriteSingleRegister,
		payload:      append(uint16ToBytes(BigEndian, addr), rawValue...),
	}

	return
}

func parseWriteSingleRegisterRequestOrResponse(p *pdu) (addr uint16, rawValue []byte, err error) {
	if len(p.payload) != 4 {
		err = ErrInvalidArgument
		return
	}

	addr = bytesToUint16(BigEndian, p.payload[0:2])
	rawValue = p.payload[2:4]

	return
}

// --- multiple writes (FC 0F/10) -----------------------------------------

func buildWriteMultipleCoilsRequest(addr uint16, values []bool) (req *pdu, err error) {
	quantity := uint16(len(values))
	if quantity == 0 || quantity > maxCoilsPerWrite {
		return nil, ErrInvalidArgument
	}
	if err = checkAddressRange(addr, quantity); err != nil {
		return nil, err
	}

	packed := encodeBools(values)

	payload := uint16ToBytes(BigEndian, addr)
	payload = append(payload, uint16ToBytes(BigEndian, quantity)...)
	payload = append(payload, byte(len(packed)))
	payload = append(payload, packed...)

	req = &pdu{functionCode: fcWriteMultipleCoils, payload: payload}

	return
}

func parseWriteMultipleCoilsRequest(req *pdu) (addr uint16, values []bool, err error) {
	if len(req.payload) < 5 {
		err = ErrInvalidArgument
		return
	}

	addr = bytesToUint16(BigEndian, req.payload[0:2])
	quantity := bytesToUint16(BigEndian, req.payload[2:4])
	byteCount := req.payload[4]

	if quantity == 0 || quantity > maxCoilsPerWrite {
		err = ErrInvalidArgument
		return
	}
	if uint32(addr)+uint32(quantity)-1 > 0xffff {
		err = ErrInvalidArgument
		return
	}

	expectedByteCount := int(quantity) / 8
	if quantity%8 != 0 {
		expectedByteCount++
	}
	if int(byteCount) != expectedByteCount || len(req.payload) != 5+expectedByteCount {
		err = ErrInvalidArgument
		return
	}

	values = decodeBools(quantity, req.payload[5:])

	return
}

func buildWriteMultipleRegistersRequest(addr uint16, registerBytes []byte) (req *pdu, err error) {
	if len(registerBytes) == 0 || len(registerBytes)%2 != 0 {
		return nil, ErrInvalidArgument
	}
	quantity := uint16(len(registerBytes) / 2)
	if quantity > maxRegsPerWrite {
		return nil, ErrInvalidArgument
	}
	if err = checkAddressRange(addr, quantity); err != nil {
		return nil, err
	}

	payload := uint16ToBytes(BigEndian, addr)
	payload = append(payload, uint16ToBytes(BigEndian, quantity)...)
	payload = append(payload, byte(len(registerBytes)))
	payload = append(payload, registerBytes...)

	req = &pdu{functionCode: fcWriteMultipleRegisters, payload: payload}

	return
}

func parseWriteMultipleRegistersRequest(req *pdu) (addr uint16, registerBytes []byte, err error) {
	if len(req.payload) < 5 {
		err = ErrInvalidArgument
		return
	}

	addr = bytesToUint16(BigEndian, req.payload[0:2])
	quantity := bytesToUint16(BigEndian, req.payload[2:4])
	byteCount := req.payload[4]

	if quantity == 0 || quantity > maxRegsPerWrite {
		err = ErrInvalidArgument
		return
	}
	if uint32(addr)+uint32(quantity)-1 > 0xffff {
		err = ErrInvalidArgument
		return
	}
	if int(byteCount) != 2*int(quantity) || len(req.payload) != 5+int(byteCount) {
		err = ErrInvalidArgument
		return
	}

	registerBytes = req.payload[5:]

	return
}

// buildWriteMultipleResponse builds the echoed addr+quantity response shared
// by FC 0F and FC 10.
func buildWriteMultipleResponse(fc uint8, addr uint16, quantity uint16) (res *pdu) {
	res = &pdu{
		functionCode: fc,
		payload:      append(uint16ToBytes(BigEndian, addr), uint16ToBytes(BigEndian, quantity)...),
	}

	return
}

func parseWriteMultipleResponse(res *pdu) (addr uint16, quantity uint16, err error) {
	if len(res.payload) != 4 {
		err = ErrProtocolError
		return
	}

	addr = bytesToUint16(BigEndian, res.payload[0:2])
	quantity = bytesToUint16(BigEndian, res.payload[2:4])

	return
}

// --- read/write multiple registers (FC 17) ------------------------------

func buildReadWriteMultipleRegistersRequest(readAddr uint16, readQuantity uint16, writeAddr uint16, writeBytes []byte) (req *pdu, err error) {
	if readQuantity == 0 || readQuantity > maxRegsPerRWRead {
		return nil, ErrInvalidArgument
	}
	if err = checkAddressRange(readAddr, readQuantity); err != nil {
		return nil, err
	}
	if len(writeBytes) == 0 || len(writeBytes)%2 != 0 {
		return nil, ErrInvalidArgument
	}
	writeQuantity := uint16(len(writeBytes) / 2)
	if writeQuantity > maxRegsPerRWWrite {
		return nil, ErrInvalidArgument
	}
	if err = checkAddressRange(writeAddr, writeQuantity); err != nil {
		return nil, err
	}

	payload := uint16ToBytes(BigEndian, readAddr)
	payload = append(payload, uint16ToBytes(BigEndian, readQuantity)...)
	payload = append(payload, uint16ToBytes(BigEndian, writeAddr)...)
	payload = append(payload, uint16ToBytes(BigEndian, writeQuantity)...)
	payload = append(payload, byte(len(writeBytes)))
	payload = append(payload, writeBytes...)

	req = &pdu{functionCode: fcReadWriteMultiRegisters, payload: payload}

	return
}

func parseReadWriteMultipleRegistersRequest(req *pdu) (readAddr uint16, readQuantity uint16, writeAddr uint16, writeBytes []byte, err error) {
	if len(req.payload) < 9 {
		err = ErrInvalidArgument
		return
	}

	readAddr = bytesToUint16(BigEndian, req.payload[0:2])
	readQuantity = bytesToUint16(BigEndian, req.payload[2:4])
	writeAddr = bytesToUint16(BigEndian, req.payload[4:6])
	writeQuantity := bytesToUint16(BigEndian, req.payload[6:8])
	byteCount := req.payload[8]

	if readQuantity == 0 || readQuantity > maxRegsPerRWRead {
		err = ErrInvalidArgument
		return
	}
	if writeQuantity == 0 || writeQuantity > maxRegsPerRWWrite {
		err = ErrInvalidArgument
		return
	}
	if int(byteCount) != 2*int(writeQuantity) || len(req.payload) != 9+int(byteCount) {
		err = ErrInvalidArgument
		return
	}

	writeBytes = req.payload[9:]

	return
}

// --- exceptions ----------------------------------------------------------

// buildExceptionResponse encodes an exception response: function byte is
// the original function code with the top bit set, followed by one
// exception code byte (spec.md §6).
func buildExceptionResponse(fc uint8, exceptionCode uint8) (res *pdu) {
	res = &pdu{
		functionCode: fc | exceptionBit,
		payload:      []byte{exceptionCode},
	}

	return
}

// isException reports whether res carries the top bit of the function code,
// i.e. whether it is an exception response.
func isException(res *pdu) bool {
	return res.functionCode&exceptionBit != 0
}

// parseExceptionResponse validates and extracts the exception code from an
// exception PDU. Only codes 0x01..0x04 are accepted per spec.md §4.1.
func parseExceptionResponse(res *pdu) (exceptionCode uint8, err error) {
	if len(res.payload) != 1 {
		err = ErrProtocolError
		return
	}

	exceptionCode = res.payload[0]
	if exceptionCode < exIllegalFunction || exceptionCode > exServerDeviceFailure {
		err = ErrProtocolError
	}

	return
}

// --- FC 0x2B basic device identification (additive, see SPEC_FULL.md) --

const (
	deviceIDReadCodeBasic uint8 = 0x01
	meiTypeDeviceID       uint8 = 0x0e
)

// buildReadDeviceIdentificationRequest encodes a basic-category device
// identification request (MEI type 0x0E, read device id code 0x01).
func buildReadDeviceIdentificationRequest() (req *pdu) {
	req = &pdu{
		functionCode: fcReadDeviceIdentification,
		payload:      []byte{meiTypeDeviceID, deviceIDReadCodeBasic, 0x00},
	}

	return
}

func parseReadDeviceIdentificationRequest(req *pdu) (err error) {
	if len(req.payload) != 3 || req.payload[0] != meiTypeDeviceID {
		err = ErrInvalidArgument
		return
	}
	if req.payload[1] != deviceIDReadCodeBasic {
		err = ErrIllegalDataValue
	}

	return
}

// buildReadDeviceIdentificationResponse encodes the basic device identity
// objects (vendor name, product code, revision — object ids 0x00..0x02) as
// a single, non-continued response.
func buildReadDeviceIdentificationResponse(objects map[uint8]string) (res *pdu, err error) {
	if len(objects) == 0 || len(objects) > 3 {
		return nil, ErrInvalidArgument
	}

	payload := []byte{meiTypeDeviceID, deviceIDReadCodeBasic, 0x83, 0x00, 0x00, byte(len(objects))}

	for id := uint8(0); id < 3; id++ {
		val, ok := objects[id]
		if !ok {
			continue
		}
		if len(val) > 0xff {
			return nil, ErrInvalidArgument
		}
		payload = append(payload, id, byte(len(val)))
		payload = append(payload, []byte(val)...)
	}

	if len(payload)+1 > maxPayloadBytes {
		return nil, ErrInvalidArgument
	}

	res = &pdu{functionCode: fcReadDeviceIdentification, payload: payload}

	return
}

func parseReadDeviceIdentificationResponse(res *pdu) (objects map[uint8]string, err error) {
	if len(res.payload) < 6 || res.payload[0] != meiTypeDeviceID {
		err = ErrProtocolError
		return
	}

	count := int(res.payload[5])
	objects = make(map[uint8]string, count)
	offset := 6

	for i := 0; i < count; i++ {
		if offset+2 > len(res.payload) {
			err = ErrProtocolError
			return
		}
		id := res.payload[offset]
		length := int(res.payload[offset+1])
		offset += 2

		if offset+length > len(res.payload) {
			err = ErrProtocolError
			return
		}

		objects[id] = string(res.payload[offset : offset+length])
		offset += length
	}

	return
}
