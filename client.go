package modbus

import (
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// ClientConfiguration stores the configuration needed to create a Modbus
// client (spec.md §3/§8).
type ClientConfiguration struct {
	// URL sets the client mode and target location in the form
	// <mode>://<serial device or host:port>, e.g. tcp://plc:502.
	URL string
	// Speed sets the serial link speed (in bps, rtu only).
	Speed int
	// DataBits sets the number of bits per serial character (rtu only).
	DataBits int
	// Parity sets the serial link parity mode (rtu only).
	Parity serial.Parity
	// StopBits sets the number of serial stop bits (rtu only).
	StopBits serial.StopBits
	// Timeout sets the per-request timeout before a transaction is failed
	// with ErrRequestTimedOut.
	Timeout time.Duration
	// MaxRetry sets the number of retries attempted after a timeout before
	// the transaction is given up as TimedOut.
	MaxRetry int
	// PoolSize sets the fixed number of in-flight transaction slots (C6).
	PoolSize int
	// HighQueueCapacity and NormalQueueCapacity set the (power-of-two
	// rounded) sizes of the QoS rings (C7).
	HighQueueCapacity   int
	NormalQueueCapacity int
	// QoSPolicy selects how a submitted transaction's priority is derived.
	QoSPolicy QoSPolicy
	// DeadlineThreshold is the remaining-time-to-deadline below which
	// QoSPolicyDeadline/Hybrid assign High priority.
	DeadlineThreshold time.Duration
	// InitialBackoff sets the delay before a transaction's first retry
	// after a timeout; each subsequent retry doubles it, capped at
	// MaxBackoff (spec.md §4.7).
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential retry backoff.
	MaxBackoff time.Duration
	// Logger provides a custom sink for log messages. If nil, messages go
	// to the standard log package's default output (os.Stderr).
	Logger *log.Logger
}

type clientTransportKind uint

const (
	clientTransportRTU clientTransportKind = iota
	clientTransportTCP
)

// Client is the non-blocking, poll()-driven Modbus client core (C8), plus a
// typed blocking convenience surface layered on top for interactive and
// CLI use.
type Client struct {
	conf       ClientConfiguration
	logger     *logger
	lock       sync.Mutex
	unitID     uint8
	endianness Endianness
	wordOrder  WordOrder

	kind      clientTransportKind
	transport Transport
	rtu       *rtuFramer
	mbap      *mbapFramer

	pool    *TransactionPool
	qos     *QoSQueue
	diag    *Diagnostics
	nextTID uint16

	opened bool
}

// NewClient creates and configures a Modbus client. It does not open the
// underlying transport; call Open for that.
func NewClient(conf *ClientConfiguration) (c *Client, err error) {
	c = &Client{
		conf:       *conf,
		unitID:     1,
		endianness: BigEndian,
		wordOrder:  HighWordFirst,
	}

	var clientType string
	splitURL := strings.SplitN(c.conf.URL, "://", 2)
	if len(splitURL) == 2 {
		clientType = splitURL[0]
		c.conf.URL = splitURL[1]
	}

	c.logger = newLogger(fmt.Sprintf("modbus-client(%s)", c.conf.URL), c.conf.Logger)

	switch clientType {
	case "rtu":
		if c.conf.Speed == 0 {
			c.conf.Speed = 19200
		}
		if c.conf.DataBits == 0 {
			c.conf.DataBits = 8
		}
		if c.conf.Parity == serial.NoParity {
			c.conf.StopBits = serial.TwoStopBits
		} else if c.conf.StopBits == 0 {
			c.conf.StopBits = serial.OneStopBit
		}
		if c.conf.Timeout == 0 {
			c.conf.Timeout = 300 * time.Millisecond
		}
		c.kind = clientTransportRTU

	case "tcp":
		if c.conf.Timeout == 0 {
			c.conf.Timeout = 1 * time.Second
		}
		c.kind = clientTransportTCP

	default:
		if len(splitURL) != 2 {
			c.logger.Errorf("missing client type in URL '%s'", c.conf.URL)
		} else {
			c.logger.Errorf("unsupported client type '%s'", clientType)
		}
		return nil, ErrConfigurationError
	}

	if c.conf.PoolSize == 0 {
		c.conf.PoolSize = 16
	}
	if c.conf.HighQueueCapacity == 0 {
		c.conf.HighQueueCapacity = 8
	}
	if c.conf.NormalQueueCapacity == 0 {
		c.conf.NormalQueueCapacity = 64
	}
	if c.conf.MaxRetry == 0 {
		c.conf.MaxRetry = 2
	}
	if c.conf.InitialBackoff == 0 {
		c.conf.InitialBackoff = 50 * time.Millisecond
	}
	if c.conf.MaxBackoff == 0 {
		c.conf.MaxBackoff = 5 * time.Second
	}

	c.pool = NewTransactionPool(c.conf.PoolSize)
	c.qos = NewQoSQueue(c.conf.QoSPolicy, c.conf.HighQueueCapacity, c.conf.NormalQueueCapacity, c.conf.DeadlineThreshold)
	c.diag = newDiagnostics(256)

	return c, nil
}

// Diagnostics returns the client's per-function-code request counters,
// per-error-class counters, and recent trace ring (C11).
func (c *Client) Diagnostics() *Diagnostics {
	return c.diag
}

// computeBackoff implements spec.md §4.7's exponential retry schedule:
// backoff = min(initial_backoff << attempts, max_backoff).
func computeBackoff(initial time.Duration, max time.Duration, attempts int) time.Duration {
	if initial <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 32 {
		attempts = 32 // guard against shift overflow; maxRetry never gets near this
	}

	backoff := initial << uint(attempts)
	if max > 0 && backoff > max {
		backoff = max
	}

	return backoff
}

// Open opens the underlying transport (serial line or TCP socket) and
// builds the appropriate framer.
func (c *Client) Open() (err error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.opened {
		return ErrTransportIsAlreadyOpen
	}

	switch c.kind {
	case clientTransportRTU:
		st := newSerialTransport(SerialConfig{
			Device:   c.conf.URL,
			Speed:    c.conf.Speed,
			DataBits: c.conf.DataBits,
			Parity:   c.conf.Parity,
			StopBits: c.conf.StopBits,
		})
		if err = st.Open(); err != nil {
			return err
		}
		c.transport = st
		c.rtu = newRTUFramer(st, c.conf.Speed)

	case clientTransportTCP:
		var conn net.Conn
		conn, err = net.DialTimeout("tcp", c.conf.URL, 5*time.Second)
		if err != nil {
			return err
		}
		c.transport = newSocketTransport(conn)
		c.mbap = newMBAPFramer(c.transport)
	}

	c.opened = true

	return nil
}

// Close releases the underlying transport and fails every in-flight
// transaction with ErrCancelled.
func (c *Client) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.opened {
		return ErrTransportIsAlreadyClosed
	}

	c.pool.forEachInFlight(func(_ uint32, txn *Transaction) {
		txn.status = StatusCancelled
		txn.err = ErrCancelled
		if txn.onComplete != nil {
			txn.onComplete(txn)
		}
	})

	c.opened = false

	return c.transport.Close()
}

// SetUnitID sets the unit id used for subsequent requests.
func (c *Client) SetUnitID(id uint8) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.unitID = id
}

// SetEncoding sets the float/integer encoding used by the typed helpers.
func (c *Client) SetEncoding(endianness Endianness, wordOrder WordOrder) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.endianness = endianness
	c.wordOrder = wordOrder
}

// Submit admits req into the QoS queue under hint priority and returns a
// handle the caller can later Cancel or correlate a completion callback
// against. It never blocks: admission failure surfaces immediately as
// ErrNoResources (pool exhausted or High ring full) or ErrBusy (Normal ring
// full).
func (c *Client) Submit(unitID uint8, req *pdu, deadline time.Time, hint Priority, onComplete CompletionFunc, userCtx interface{}) (handle TransactionHandle, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	slot, txn, err := c.pool.acquire()
	if err != nil {
		return handle, err
	}

	txn.unitID = unitID
	txn.functionCode = req.functionCode
	txn.request = *req
	txn.deadline = deadline
	txn.maxRetry = c.conf.MaxRetry
	txn.onComplete = onComplete
	txn.userCtx = userCtx

	handle = TransactionHandle{slot: slot, id: txn.id}

	if err = c.qos.Enqueue(txn, handle, hint, time.Now()); err != nil {
		c.pool.release(slot)
		return TransactionHandle{}, err
	}

	return handle, nil
}

// Cancel marks a pending or in-flight transaction as Cancelled. Its
// completion callback, if any, still fires exactly once.
func (c *Client) Cancel(handle TransactionHandle) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	txn := c.pool.get(handle)
	if txn == nil {
		return ErrInvalidArgument
	}

	txn.status = StatusCancelled
	txn.err = ErrCancelled
	c.finish(handle.slot, txn)

	return nil
}

// finish invokes the completion callback and releases the slot. Must be
// called with c.lock held.
func (c *Client) finish(slot uint32, txn *Transaction) {
	missedDeadline := !txn.deadline.IsZero() && time.Now().After(txn.deadline)
	c.qos.RecordCompletion(time.Since(txn.enqueued), missedDeadline)

	if txn.err != nil {
		c.diag.recordError(txn.err)
	}

	if txn.onComplete != nil {
		txn.onComplete(txn)
	}

	c.pool.release(slot)
}

// Poll drives one iteration of the client's cooperative core: it dequeues
// at most one pending transaction to send, pumps the framer, and times out
// any transaction whose deadline has elapsed. It must be called repeatedly
// (e.g. from a tight loop or ticker) for the client to make progress; it
// never blocks longer than one non-blocking transport Recv.
func (c *Client) Poll() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.opened {
		return ErrTransportIsAlreadyClosed
	}

	now := time.Now()

	c.pollRetries(now)
	c.pollSend()

	return c.pollRecv(now)
}

// pollRetries re-enqueues transactions whose exponential retry backoff
// (spec.md §4.7: backoff = min(initial_backoff<<attempts, max_backoff)),
// scheduled by pollRecv after a timeout, has elapsed.
func (c *Client) pollRetries(now time.Time) {
	c.pool.forEachAwaitingRetry(now, func(slot uint32, txn *Transaction) {
		handle := TransactionHandle{slot: slot, id: txn.id}
		if err := c.qos.Enqueue(txn, handle, txn.priority, now); err != nil {
			return
		}

		txn.awaitingRetry = false
		txn.retryAt = time.Time{}
	})
}

func (c *Client) pollSend() {
	handle, ok := c.qos.Dequeue()
	if !ok {
		return
	}

	txn := c.pool.get(handle)
	if txn == nil {
		return
	}

	txn.status = StatusInFlight
	txn.attempts++

	req := txn.request
	req.unitID = txn.unitID

	c.diag.recordRequest(txn.functionCode)

	if c.kind == clientTransportRTU {
		c.rtu.send(txn.unitID, &req)
	} else {
		c.nextTID++
		if c.nextTID == 0 {
			c.nextTID = 1
		}
		// mbapTID is kept separate from the pool's own slot id (txn.id):
		// overwriting txn.id here would desync it from the
		// TransactionHandle.id captured at Submit, breaking Cancel's
		// slot/id match (pool.go's get()).
		txn.mbapTID = c.nextTID
		c.mbap.send(txn.mbapTID, txn.unitID, &req)
	}
}

func (c *Client) pollRecv(now time.Time) error {
	var expired, timedOut []uint32
	c.pool.forEachInFlight(func(slot uint32, txn *Transaction) {
		if !txn.deadline.IsZero() && now.After(txn.deadline) {
			expired = append(expired, slot)
		} else if txn.status == StatusInFlight && now.Sub(txn.enqueued) > c.conf.Timeout {
			timedOut = append(timedOut, slot)
		}
	})

	// an elapsed absolute deadline ends the transaction without a retry.
	for _, slot := range expired {
		txn := &c.pool.slots[slot]
		txn.status = StatusTimedOut
		txn.err = ErrRequestTimedOut
		c.finish(slot, txn)
	}

	for _, slot := range timedOut {
		txn := &c.pool.slots[slot]
		if txn.attempts <= txn.maxRetry {
			txn.status = StatusPending
			txn.backoff = computeBackoff(c.conf.InitialBackoff, c.conf.MaxBackoff, txn.attempts-1)
			txn.retryAt = now.Add(txn.backoff)
			txn.awaitingRetry = true
			continue
		}

		txn.status = StatusTimedOut
		txn.err = ErrRequestTimedOut
		c.finish(slot, txn)
	}

	if c.kind == clientTransportRTU {
		ready, err := c.rtu.poll(now)
		if err != nil && err != ErrBadCRC {
			return err
		}
		if ready {
			unitID, resp := c.rtu.takeFrame()
			c.completeMatching(unitID, resp)
		}
		return nil
	}

	ready, err := c.mbap.poll()
	if err != nil {
		return err
	}
	if ready {
		frame := c.mbap.takeFrame()
		c.completeByTransactionID(frame)
	}

	return nil
}

func (c *Client) completeByTransactionID(frame *mbapFrame) {
	var match *Transaction
	var slot uint32

	c.pool.forEachInFlight(func(s uint32, txn *Transaction) {
		if txn.mbapTID == frame.transactionID {
			match, slot = txn, s
		}
	})

	if match == nil {
		// no in-flight transaction owns this transaction id: the response
		// is stale (already timed out/cancelled) or spurious. Discard and
		// count it rather than silently dropping it (spec.md §4.7).
		c.diag.recordError(ErrBadTransactionID)
		return
	}

	c.deliver(slot, match, &frame.pdu)
}

func (c *Client) completeMatching(unitID uint8, resp *pdu) {
	var match *Transaction
	var slot uint32

	c.pool.forEachInFlight(func(s uint32, txn *Transaction) {
		if txn.unitID == unitID && match == nil {
			match, slot = txn, s
		}
	})

	if match == nil {
		c.diag.recordError(ErrBadUnitID)
		return
	}

	c.deliver(slot, match, resp)
}

func (c *Client) deliver(slot uint32, txn *Transaction, resp *pdu) {
	txn.response = *resp

	if isException(resp) {
		code, err := parseExceptionResponse(resp)
		if err != nil {
			txn.err = err
		} else {
			txn.err = mapExceptionCodeToError(code)
		}
		txn.status = StatusFailed
	} else {
		txn.status = StatusDone
	}

	c.finish(slot, txn)
}

// --- blocking convenience surface ---------------------------------------

// executeRequest submits req and blocks (by repeatedly calling Poll) until
// the transaction reaches a terminal status or its deadline (Timeout for
// each of the MaxRetry+1 attempts) elapses. It is the basis for the typed Read*/Write* helpers and is meant
// for interactive/CLI use, not for embedded cooperative loops.
func (c *Client) executeRequest(unitID uint8, req *pdu) (res *pdu, err error) {
	deadline := time.Now().Add(c.conf.Timeout * time.Duration(c.conf.MaxRetry+1))

	done := make(chan struct{}, 1)
	var txn *Transaction

	handle, err := c.Submit(unitID, req, deadline, PriorityNormal, func(t *Transaction) {
		txn = t
		select {
		case done <- struct{}{}:
		default:
		}
	}, nil)
	if err != nil {
		return nil, err
	}

	for {
		if perr := c.Poll(); perr != nil {
			return nil, perr
		}

		select {
		case <-done:
			return &txn.response, txn.err
		default:
		}

		if time.Now().After(deadline) {
			c.Cancel(handle)
			return nil, ErrRequestTimedOut
		}

		time.Sleep(time.Millisecond)
	}
}

// ReadCoils reads quantity coils starting at addr.
func (c *Client) ReadCoils(addr uint16, quantity uint16) (values []bool, err error) {
	req, err := buildReadRequest(fcReadCoils, addr, quantity)
	if err != nil {
		return nil, err
	}

	res, err := c.executeRequest(c.unitID, req)
	if err != nil {
		return nil, err
	}

	return parseReadBitsResponse(quantity, res)
}

// ReadDiscreteInputs reads quantity discrete inputs starting at addr.
func (c *Client) ReadDiscreteInputs(addr uint16, quantity uint16) (values []bool, err error) {
	req, err := buildReadRequest(fcReadDiscreteInputs, addr, quantity)
	if err != nil {
		return nil, err
	}

	res, err := c.executeRequest(c.unitID, req)
	if err != nil {
		return nil, err
	}

	return parseReadBitsResponse(quantity, res)
}

// ReadRegisters reads quantity 16 bit registers of the given type starting
// at addr.
func (c *Client) ReadRegisters(addr uint16, quantity uint16, regType RegisterType) (values []uint16, err error) {
	fc := fcReadHoldingRegisters
	if regType == InputRegister {
		fc = fcReadInputRegisters
	}

	req, err := buildReadRequest(fc, addr, quantity)
	if err != nil {
		return nil, err
	}

	res, err := c.executeRequest(c.unitID, req)
	if err != nil {
		return nil, err
	}

	raw, err := parseReadRegistersResponse(quantity, res)
	if err != nil {
		return nil, err
	}

	return bytesToUint16s(c.endianness, raw), nil
}

// WriteCoil writes a single coil.
func (c *Client) WriteCoil(addr uint16, value bool) (err error) {
	req := buildWriteSingleCoilRequestOrResponse(fcWriteSingleCoil, addr, value)

	_, err = c.executeRequest(c.unitID, req)

	return err
}

// WriteRegister writes a single 16 bit holding register.
func (c *Client) WriteRegister(addr uint16, value uint16) (err error) {
	req := buildWriteSingleRegisterRequestOrResponse(addr, uint16ToBytes(c.endianness, value))

	_, err = c.executeRequest(c.unitID, req)

	return err
}

// WriteRegisters writes quantity contiguous 16 bit holding registers
// starting at addr.
func (c *Client) WriteRegisters(addr uint16, values []uint16) (err error) {
	req, err := buildWriteMultipleRegistersRequest(addr, uint16sToBytes(c.endianness, values))
	if err != nil {
		return err
	}

	_, err = c.executeRequest(c.unitID, req)

	return err
}

// WriteCoils writes a contiguous run of coils starting at addr.
func (c *Client) WriteCoils(addr uint16, values []bool) (err error) {
	req, err := buildWriteMultipleCoilsRequest(addr, values)
	if err != nil {
		return err
	}

	_, err = c.executeRequest(c.unitID, req)

	return err
}

// ReadWriteRegisters writes writeValues starting at writeAddr, then reads
// readQuantity holding registers starting at readAddr, as a single FC 0x17
// transaction (the write is applied before the read on the server side).
func (c *Client) ReadWriteRegisters(readAddr uint16, readQuantity uint16, writeAddr uint16, writeValues []uint16) (values []uint16, err error) {
	req, err := buildReadWriteMultipleRegistersRequest(readAddr, readQuantity, writeAddr, uint16sToBytes(c.endianness, writeValues))
	if err != nil {
		return nil, err
	}

	res, err := c.executeRequest(c.unitID, req)
	if err != nil {
		return nil, err
	}

	raw, err := parseReadRegistersResponse(readQuantity, res)
	if err != nil {
		return nil, err
	}

	return bytesToUint16s(c.endianness, raw), nil
}

// ReadDeviceIdentification reads the server's basic device identity
// objects (vendor name, product code, revision) via FC 0x2B.
func (c *Client) ReadDeviceIdentification() (objects map[uint8]string, err error) {
	req := buildReadDeviceIdentificationRequest()

	res, err := c.executeRequest(c.unitID, req)
	if err != nil {
		return nil, err
	}

	return parseReadDeviceIdentificationResponse(res)
}
