package nvme

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opalusb/corefw/dma"
	"github.com/opalusb/corefw/mmio"
)

func TestBuildPRPSinglePage(t *testing.T) {
	tr := &Transport{DMA: dma.NewRegion(arenaSize)}
	prp1, prp2, err := tr.buildPRP(0, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), prp1)
	assert.Zero(t, prp2)
}

func TestBuildPRPTwoPagesNoList(t *testing.T) {
	tr := &Transport{DMA: dma.NewRegion(arenaSize)}
	prp1, prp2, err := tr.buildPRP(0, 5000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), prp1)
	assert.Equal(t, uint64(pageSize), prp2)
}

// TestBuildPRPListPath matches scenario 5's worked example: an 8 KiB
// payload at offset 0x200 produces PRP0=0x200, PRP1 pointing at the list
// page, and list entries at the next two page boundaries.
func TestBuildPRPListPath(t *testing.T) {
	tr := &Transport{DMA: dma.NewRegion(arenaSize)}
	prp1, prp2, err := tr.buildPRP(0x200, 8*1024)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x200), prp1)
	assert.Equal(t, uint64(regionPRPList), prp2)

	entry0 := binary.LittleEndian.Uint64(tr.DMA.At(regionPRPList, 8))
	entry1 := binary.LittleEndian.Uint64(tr.DMA.At(regionPRPList+8, 8))
	assert.Equal(t, uint64(0x1000), entry0)
	assert.Equal(t, uint64(0x2000), entry1)
}

func TestBuildPRPExceedsListCapacity(t *testing.T) {
	tr := &Transport{DMA: dma.NewRegion(arenaSize)}
	_, _, err := tr.buildPRP(0, 1100*pageSize)
	require.Error(t, err)
}

func capHighDword(css bool, mpsmin uint8) uint32 {
	var v uint32
	if css {
		v |= 1 << 5
	}
	v |= uint32(mpsmin) << 16
	return v
}

func newTestTransport(t *testing.T, regs *mmio.Window, stall func(time.Duration)) *Transport {
	t.Helper()
	return NewTransport(regs, dma.NewRegion(arenaSize), 1, stall)
}

// writeAdminCompletion writes a successful CQE for the most recently
// submitted admin CID at the transport's current shadowed head/phase,
// mirroring the controller side of the §4.7 completion protocol.
func writeAdminCompletion(tr *Transport) {
	if tr.adminCID == 0 {
		return
	}
	cid := tr.adminCID - 1
	entry := tr.DMA.At(regionAdminCQ+int(tr.adminHead)*cqEntrySize, cqEntrySize)
	for i := range entry {
		entry[i] = 0
	}
	binary.LittleEndian.PutUint16(entry[12:14], cid)
	var status uint16
	if tr.adminPhase {
		status = 1
	}
	binary.LittleEndian.PutUint16(entry[14:16], status)
}

// newCompletingTransport returns a Transport whose Stall callback runs
// extra (if non-nil, e.g. to flip a CSTS bit a CSTS.RDY/SHST spin is
// waiting on) and then deposits a successful completion entry for whatever
// admin command is currently in flight, so submitAdminRaw's completion
// poll actually observes a matching phase bit instead of spinning forever.
func newCompletingTransport(t *testing.T, regs *mmio.Window, extra func()) *Transport {
	t.Helper()
	tr := NewTransport(regs, dma.NewRegion(arenaSize), 1, nil)
	tr.Stall = func(time.Duration) {
		if extra != nil {
			extra()
		}
		writeAdminCompletion(tr)
	}
	return tr
}

func TestInitSucceedsAndBringsUpQueues(t *testing.T) {
	regs := mmio.NewWindow(8192)
	regs.Write32(regCAP+4, capHighDword(true, 0))

	tr := newCompletingTransport(t, regs, func() {
		regs.SetBits32(regCSTS, cstsRdy)
	})

	require.NoError(t, tr.Init())
	assert.NotZero(t, regs.Read32(regCC)&ccEnable)
	assert.Equal(t, uint32(regionAdminSQ), regs.Read32(regASQ))
	assert.Equal(t, uint32(regionAdminCQ), regs.Read32(regACQ))
	assert.Equal(t, uint32(adminQueueDepth-1)<<16|uint32(adminQueueDepth-1), regs.Read32(regAQA))
}

func TestInitRejectsMissingNVMeCommandSet(t *testing.T) {
	regs := mmio.NewWindow(8192)
	regs.Write32(regCAP+4, capHighDword(false, 0))
	tr := newTestTransport(t, regs, func(time.Duration) {})

	err := tr.Init()
	require.Error(t, err)
}

func TestInitRejectsLargePageSizeMinimum(t *testing.T) {
	regs := mmio.NewWindow(8192)
	regs.Write32(regCAP+4, capHighDword(true, 1))
	tr := newTestTransport(t, regs, func(time.Duration) {})

	err := tr.Init()
	require.Error(t, err)
}

func TestSecuritySendWritesBounceBuffer(t *testing.T) {
	regs := mmio.NewWindow(8192)
	tr := newCompletingTransport(t, regs, nil)

	payload := []byte("TCG UNLOCK PAYLOAD")
	require.NoError(t, tr.SecuritySend(1, 0x0001, payload))

	got := tr.DMA.At(regionSecurityBounce, len(payload))
	assert.Equal(t, payload, got)
}

// TestSecuritySendByteSwapsSPSpecific matches scenario 4's worked example:
// sp_specific 0x0100 is byte-swapped to 0x0001 before it is packed into
// cdw10 bits 8-23.
func TestSecuritySendByteSwapsSPSpecific(t *testing.T) {
	regs := mmio.NewWindow(8192)
	tr := newCompletingTransport(t, regs, nil)

	require.NoError(t, tr.SecuritySend(1, 0x0100, []byte("x")))

	cdw10 := binary.LittleEndian.Uint32(tr.DMA.At(regionAdminSQ+40, 4))
	assert.Equal(t, uint32(1)<<24|uint32(0x0001)<<8, cdw10)
}

// TestSecuritySendReceiveRoundTrip exercises the bounce buffer both ways: a
// receive immediately following a send observes whatever the send last wrote.
func TestSecuritySendReceiveRoundTrip(t *testing.T) {
	regs := mmio.NewWindow(8192)
	tr := newCompletingTransport(t, regs, nil)

	payload := []byte("round-trip-payload")
	require.NoError(t, tr.SecuritySend(1, 0x0001, payload))

	resp, err := tr.SecurityReceive(1, 0x0001, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, resp)
}

func TestSecuritySendRejectsOversizedPayload(t *testing.T) {
	regs := mmio.NewWindow(8192)
	tr := newCompletingTransport(t, regs, nil)

	oversized := make([]byte, bouncePages*pageSize+1)
	err := tr.SecuritySend(1, 0, oversized)
	require.Error(t, err)
}

func TestSecurityReceiveClampsLengthToBounceCapacity(t *testing.T) {
	regs := mmio.NewWindow(8192)
	tr := newCompletingTransport(t, regs, nil)

	resp, err := tr.SecurityReceive(1, 0, bouncePages*pageSize+4096)
	require.NoError(t, err)
	assert.Len(t, resp, bouncePages*pageSize)
}

func TestShutdownWaitsForShutdownComplete(t *testing.T) {
	regs := mmio.NewWindow(8192)
	tr := newCompletingTransport(t, regs, func() {
		regs.Write32(regCSTS, shstComplete)
	})

	require.NoError(t, tr.Shutdown())
	assert.NotZero(t, regs.Read32(regCC)&ccShn)
}

func TestShutdownTimesOutIfNeverComplete(t *testing.T) {
	regs := mmio.NewWindow(8192)
	tr := newTestTransport(t, regs, func(time.Duration) {})

	err := tr.Shutdown()
	require.Error(t, err)
}
