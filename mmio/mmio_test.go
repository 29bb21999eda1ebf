package mmio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadWriteRoundTrip(t *testing.T) {
	w := NewWindow(16)

	w.Write32(0, 0xdeadbeef)
	assert.Equal(t, uint32(0xdeadbeef), w.Read32(0))

	w.Write16(4, 0xcafe)
	assert.Equal(t, uint16(0xcafe), w.Read16(4))

	w.Write8(6, 0x42)
	assert.Equal(t, uint8(0x42), w.Read8(6))
}

func TestBytesExposesBackingBuffer(t *testing.T) {
	w := NewWindow(16)
	w.Write32(8, 0x01020304)
	b := w.Bytes(8, 4)
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, b)
}

func TestSetAndClearBits32(t *testing.T) {
	w := NewWindow(4)
	w.Write32(0, 0x0000000f)
	w.SetBits32(0, 0x000000f0)
	assert.Equal(t, uint32(0xff), w.Read32(0))

	w.ClearBits32(0, 0x0000000f)
	assert.Equal(t, uint32(0xf0), w.Read32(0))
}

func TestSwap16ReversesByteOrder(t *testing.T) {
	assert.Equal(t, uint16(0x0001), Swap16(0x0100))
	assert.Equal(t, uint16(0xcafe), Swap16(0xfeca))
}

func TestWaitFor32SucceedsWhenConditionAlreadyTrue(t *testing.T) {
	w := NewWindow(4)
	w.Write32(0, 0x1)
	calls := 0
	ok := WaitFor32(w, 0, 0x1, 0x1, 5, func() { calls++ })
	assert.True(t, ok)
	assert.Zero(t, calls, "stall must not be called when the condition already holds")
}

// TestWaitFor32ExhaustsAttempts covers the boundary where the condition
// never becomes true: exactly attempts stall calls are made, and the final
// check after the loop still reports failure.
func TestWaitFor32ExhaustsAttempts(t *testing.T) {
	w := NewWindow(4)
	calls := 0
	ok := WaitFor32(w, 0, 0x1, 0x1, 3, func() { calls++ })
	assert.False(t, ok)
	assert.Equal(t, 3, calls)
}

// TestWaitFor32SucceedsOnLastAttempt covers the condition flipping true
// during the very last stall callback.
func TestWaitFor32SucceedsOnLastAttempt(t *testing.T) {
	w := NewWindow(4)
	calls := 0
	ok := WaitFor32(w, 0, 0x1, 0x1, 3, func() {
		calls++
		if calls == 3 {
			w.Write32(0, 0x1)
		}
	})
	assert.True(t, ok)
	assert.Equal(t, 3, calls)
}
