package ide

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opalusb/corefw/mmio"
)

func newTestTransport(t *testing.T, ports *mmio.Window, stall func(time.Duration)) *Transport {
	t.Helper()
	return NewTransport(ports, stall)
}

func TestInitSucceedsWhenBSYAlreadyClear(t *testing.T) {
	ports := mmio.NewWindow(8)
	tr := newTestTransport(t, ports, func(time.Duration) {})
	require.NoError(t, tr.Init())
}

func TestInitTimesOutWhenBSYNeverClears(t *testing.T) {
	ports := mmio.NewWindow(8)
	ports.Write8(regCmdOrStatus, statusBSY)
	tr := newTestTransport(t, ports, func(time.Duration) {})

	err := tr.Init()
	require.Error(t, err)
}

func TestWaitDRQReadyRetriesUntilSet(t *testing.T) {
	ports := mmio.NewWindow(8)
	ports.Write8(regCmdOrStatus, statusBSY)

	calls := 0
	stall := func(time.Duration) {
		calls++
		if calls == 3 {
			ports.Write8(regCmdOrStatus, statusDRQ)
		}
	}
	tr := newTestTransport(t, ports, stall)

	assert.True(t, tr.waitDRQReady(10))
	assert.Equal(t, 3, calls)
}

func TestWaitDRQClearRetriesUntilClear(t *testing.T) {
	ports := mmio.NewWindow(8)
	ports.Write8(regCmdOrStatus, statusDRQ)

	calls := 0
	stall := func(time.Duration) {
		calls++
		if calls == 2 {
			ports.Write8(regCmdOrStatus, 0)
		}
	}
	tr := newTestTransport(t, ports, stall)

	assert.True(t, tr.waitDRQClear(10))
	assert.Equal(t, 2, calls)
}

func TestWaitBSYClearExhaustsAttempts(t *testing.T) {
	ports := mmio.NewWindow(8)
	ports.Write8(regCmdOrStatus, statusBSY)
	tr := newTestTransport(t, ports, func(time.Duration) {})

	assert.False(t, tr.waitBSYClear(5))
}

// TestSecurityReceiveTransferCountForScenario6 matches scenario 6: a
// trusted receive with length=0x1000 (4 KiB) must program a PIO transfer
// count of 8 sectors.
func TestSecurityReceiveTransferCountForScenario6(t *testing.T) {
	ports := mmio.NewWindow(8)
	// No device sits behind the window, so the command byte stays in the
	// status register with DRQ set; the stall clears it the way a device
	// does once the data phase is over.
	tr := newTestTransport(t, ports, func(time.Duration) { ports.Write8(regCmdOrStatus, 0) })

	resp, err := tr.SecurityReceive(1, 0, 0x1000)
	require.NoError(t, err)
	assert.Len(t, resp, 0x1000)
	assert.Equal(t, uint8(8), ports.Read8(regSectorCount))
	assert.Equal(t, uint8(deviceLBA), ports.Read8(regHead))
}

func TestSecuritySendProgramsSectorCountAndFeatures(t *testing.T) {
	ports := mmio.NewWindow(8)
	// As above: the stall clears the DRQ bit left by the command byte.
	tr := newTestTransport(t, ports, func(time.Duration) { ports.Write8(regCmdOrStatus, 0) })

	payload := make([]byte, 600) // spans two 512-byte sectors
	require.NoError(t, tr.SecuritySend(1, 0, payload))
	assert.Equal(t, uint8(2), ports.Read8(regSectorCount))
	assert.Equal(t, uint8(1), ports.Read8(regError), "features byte carries the security protocol number")
}

func TestShutdownIsNoOp(t *testing.T) {
	tr := newTestTransport(t, mmio.NewWindow(8), func(time.Duration) {})
	assert.NoError(t, tr.Shutdown())
}

func TestBytesToWordsOddLength(t *testing.T) {
	words := bytesToWords([]byte{0x01, 0x02, 0x03})
	require.Len(t, words, 2)
	assert.Equal(t, uint16(0x0201), words[0])
	assert.Equal(t, uint16(0x0003), words[1], "the high byte of a trailing odd word is zero-padded")
}

func TestWordsToBytesTruncatesToRequestedLength(t *testing.T) {
	words := []uint16{0x0201, 0x0403}
	out := wordsToBytes(words, 3)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, out)
}
