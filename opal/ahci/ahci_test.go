package ahci

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opalusb/corefw/dma"
	"github.com/opalusb/corefw/mmio"
)

func newTestTransport(t *testing.T, regs *mmio.Window, stall func(time.Duration)) *Transport {
	t.Helper()
	return NewTransport(regs, dma.NewRegion(arenaSize), 0, stall)
}

func TestInitSucceedsWhenDevicePresent(t *testing.T) {
	regs := mmio.NewWindow(0x200)
	// Pre-set SSTS.DET as if a device is already present on this port,
	// as real hardware would report immediately after power-up.
	regs.Write32(portBase+0*portRegWidth+portSSTS, sstsDETPresent)
	tr := newTestTransport(t, regs, func(time.Duration) {})

	require.NoError(t, tr.Init())
	assert.NotZero(t, regs.Read32(regGHC)&ghcEnable)
	assert.Equal(t, uint32(regionCommandList), regs.Read32(portBase+0*portRegWidth+portCLB))
	assert.Equal(t, uint32(regionReceivedFIS), regs.Read32(portBase+0*portRegWidth+portFB))

	cmd := regs.Read32(portBase + 0*portRegWidth + portCMD)
	assert.NotZero(t, cmd&cmdFRE)
	assert.NotZero(t, cmd&cmdST)
}

func TestInitTimesOutWithoutDevicePresent(t *testing.T) {
	regs := mmio.NewWindow(0x200)
	tr := newTestTransport(t, regs, func(time.Duration) {})

	err := tr.Init()
	require.Error(t, err)
}

func TestSecuritySendWritesBounceBuffer(t *testing.T) {
	regs := mmio.NewWindow(0x200)
	tr := newTestTransport(t, regs, func(time.Duration) {})

	payload := []byte("TCG UNLOCK PAYLOAD")
	require.NoError(t, tr.SecuritySend(1, 0x0001, payload))

	got := tr.DMA.At(regionBounce, len(payload))
	assert.Equal(t, payload, got)
}

func TestSecuritySendReceiveRoundTrip(t *testing.T) {
	regs := mmio.NewWindow(0x200)
	tr := newTestTransport(t, regs, func(time.Duration) {})

	payload := []byte("round-trip-payload")
	require.NoError(t, tr.SecuritySend(1, 0x0001, payload))

	resp, err := tr.SecurityReceive(1, 0x0001, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, resp)
}

// TestSecuritySendByteSwapsSPSpecific matches scenario 4's worked example:
// sp_specific 0x0100 is byte-swapped to 0x0001 before it is packed into the
// Register FIS's LBA-low field.
func TestSecuritySendByteSwapsSPSpecific(t *testing.T) {
	regs := mmio.NewWindow(0x200)
	tr := newTestTransport(t, regs, func(time.Duration) {})

	require.NoError(t, tr.SecuritySend(1, 0x0100, []byte("x")))

	fis := tr.DMA.At(regionCommandTbl, fisRegisterH2DLength)
	lbaLow := uint32(fis[4]) | uint32(fis[5])<<8 | uint32(fis[6])<<16
	assert.Equal(t, uint32(0x0001)<<8, lbaLow)
}

func TestSecuritySendRejectsOversizedPayload(t *testing.T) {
	regs := mmio.NewWindow(0x200)
	tr := newTestTransport(t, regs, func(time.Duration) {})

	oversized := make([]byte, bounceBufferSize+1)
	err := tr.SecuritySend(1, 0, oversized)
	require.Error(t, err)
}

// TestIssueWaitsForBSYAndDRQClear covers the PIO completion spin: issue
// only returns once TFD.BSY and TFD.DRQ both read clear.
func TestIssueWaitsForBSYAndDRQClear(t *testing.T) {
	regs := mmio.NewWindow(0x200)
	regs.Write32(portBase+0*portRegWidth+portTFD, tfdBSY|tfdDRQ)

	calls := 0
	stall := func(time.Duration) {
		calls++
		if calls == 2 {
			regs.Write32(portBase+0*portRegWidth+portTFD, 0)
		}
	}
	tr := newTestTransport(t, regs, stall)

	require.NoError(t, tr.issue(false))
	assert.Equal(t, 2, calls)
}

func TestShutdownClearsSTAndFRE(t *testing.T) {
	regs := mmio.NewWindow(0x200)
	regs.Write32(portBase+0*portRegWidth+portCMD, cmdFRE|cmdST)
	tr := newTestTransport(t, regs, func(time.Duration) {})

	require.NoError(t, tr.Shutdown())
	cmd := regs.Read32(portBase + 0*portRegWidth + portCMD)
	assert.Zero(t, cmd&cmdST)
	assert.Zero(t, cmd&cmdFRE)
}

func TestShutdownTimesOutIfPortNeverStops(t *testing.T) {
	regs := mmio.NewWindow(0x200)
	regs.Write32(portBase+0*portRegWidth+portCMD, cmdST|cmdCR)
	tr := newTestTransport(t, regs, func(time.Duration) {})

	err := tr.Shutdown()
	require.Error(t, err)
}
