package modbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQoSPriorityPreemption(t *testing.T) {
	q := NewQoSQueue(QoSPolicyFC, 8, 32, 100*time.Millisecond)
	now := time.Now()

	t1 := &Transaction{functionCode: fcReadHoldingRegisters}
	t2 := &Transaction{functionCode: fcWriteSingleRegister}

	require.NoError(t, q.Enqueue(t1, TransactionHandle{slot: 1}, PriorityNormal, now))
	require.NoError(t, q.Enqueue(t2, TransactionHandle{slot: 2}, PriorityNormal, now))

	assert.Equal(t, PriorityNormal, t1.priority)
	assert.Equal(t, PriorityHigh, t2.priority)

	h, ok := q.Dequeue()
	require.True(t, ok)
	assert.EqualValues(t, 2, h.slot, "high priority T2 must dequeue before normal priority T1")

	h, ok = q.Dequeue()
	require.True(t, ok)
	assert.EqualValues(t, 1, h.slot)
}

func TestQoSHighFullReturnsNoResources(t *testing.T) {
	q := NewQoSQueue(QoSPolicyFC, 1, 32, 0)
	now := time.Now()

	t1 := &Transaction{functionCode: fcWriteSingleCoil}
	t2 := &Transaction{functionCode: fcWriteSingleCoil}

	require.NoError(t, q.Enqueue(t1, TransactionHandle{slot: 1}, PriorityHigh, now))
	err := q.Enqueue(t2, TransactionHandle{slot: 2}, PriorityHigh, now)
	assert.ErrorIs(t, err, ErrNoResources)
}

func TestQoSNormalFullReturnsBusy(t *testing.T) {
	q := NewQoSQueue(QoSPolicyFC, 8, 1, 0)
	now := time.Now()

	t1 := &Transaction{functionCode: fcReadHoldingRegisters}
	t2 := &Transaction{functionCode: fcReadHoldingRegisters}

	require.NoError(t, q.Enqueue(t1, TransactionHandle{slot: 1}, PriorityNormal, now))
	err := q.Enqueue(t2, TransactionHandle{slot: 2}, PriorityNormal, now)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestQoSDeadlinePolicy(t *testing.T) {
	q := NewQoSQueue(QoSPolicyDeadline, 8, 8, 100*time.Millisecond)
	now := time.Now()

	urgent := &Transaction{functionCode: fcReadHoldingRegisters, deadline: now.Add(10 * time.Millisecond)}
	relaxed := &Transaction{functionCode: fcReadHoldingRegisters, deadline: now.Add(10 * time.Second)}

	require.NoError(t, q.Enqueue(urgent, TransactionHandle{slot: 1}, PriorityNormal, now))
	require.NoError(t, q.Enqueue(relaxed, TransactionHandle{slot: 2}, PriorityNormal, now))

	assert.Equal(t, PriorityHigh, urgent.priority)
	assert.Equal(t, PriorityNormal, relaxed.priority)
}

func TestQoSRingPowerOfTwo(t *testing.T) {
	r := newQoSRing(10)
	assert.Equal(t, 16, r.cap())
}
