// Package nvme implements the NVMe admin/IO queue transport opal.Engine
// dispatches to for Opal trusted-send/trusted-receive commands, grounded
// on the register sequencing in original_source's OpalNvmeMode.c (CC/CSTS
// fields, Cid counters, the security-command bounce buffer) and on
// dswarbrick/go-nvme's Identify-controller/-namespace struct layout and
// opcode naming.
package nvme

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/opalusb/corefw/dma"
	"github.com/opalusb/corefw/mmio"
)

// NVMe controller register offsets, per the NVM Express base spec.
const (
	regCAP  = 0x00
	regVS   = 0x08
	regCC   = 0x14
	regCSTS = 0x1c
	regAQA  = 0x24
	regASQ  = 0x28
	regACQ  = 0x30
)

func sqTailDoorbell(qid uint16, dstrd uint8) int {
	return 0x1000 + int(qid)*2*(4<<dstrd)
}

func cqHeadDoorbell(qid uint16, dstrd uint8) int {
	return 0x1000 + (int(qid)*2+1)*(4<<dstrd)
}

const (
	ccEnable = 1 << 0
	ccShn    = 1 << 14

	cstsRdy  = 1 << 0
	cstsShst = 0x3 << 2

	shstComplete = 2 << 2

	iosqes = 6
	iocqes = 4

	capMPSMinMask = 0xf
)

// Admin opcodes, per original_source's OpalNvmeMode.c and the NVMe base
// spec's admin command set.
const (
	opDeleteIOSQ   = 0x00
	opCreateIOSQ   = 0x01
	opDeleteIOCQ   = 0x04
	opCreateIOCQ   = 0x05
	opIdentify     = 0x06
	opSecuritySend = 0x81
	opSecurityRecv = 0x82
)

// I/O opcodes, exposed for completeness with the wire-level constants §6
// names even though the Opal trusted-I/O path never issues them.
const (
	opRead  = 0x02
	opWrite = 0x01
	opFlush = 0x00
)

const (
	adminQueueDepth = 16
	ioQueueDepth    = 16
	sqEntrySize     = 64
	cqEntrySize     = 16
	oacsSecurityBit = 1 << 0

	ioQueueID = 1

	pageSize          = 4096
	prpEntriesPerPage = pageSize / 8
	prpListPages      = 2
	bouncePages       = 4
)

// DMA arena layout: fixed regions carved up front, following
// original_source's NvmeContext: controller/namespace identify buffers,
// admin and I/O submission/completion queues, a per-slot PRP list region,
// and a security bounce buffer sized to hold more than two pages so the
// PRP-list path in §4.7 actually gets exercised.
const (
	regionControllerData = 0
	regionNamespaceData  = pageSize
	regionAdminSQ        = 2 * pageSize
	regionAdminCQ        = 3 * pageSize
	regionIOSQ           = 4 * pageSize
	regionIOCQ           = 5 * pageSize
	regionPRPList        = 6 * pageSize
	regionSecurityBounce = regionPRPList + prpListPages*pageSize

	// arenaSize is rounded up to the ≥512 KiB DMA arena the data model
	// calls for; the regions above occupy only a small prefix of it.
	arenaSize = 512 * 1024
)

// Transport implements opal.TrustedIOTransport against a simulated or
// real NVMe BAR. Register access goes through mmio.Window; command/
// completion buffers and the security bounce buffer live in a dma.Region
// laid out as fixed regions, following original_source's NvmeContext layout.
type Transport struct {
	mu sync.Mutex

	Regs *mmio.Window
	DMA  *dma.Region
	Stall func(time.Duration)

	namespaceID uint32

	dstrd    uint8
	adminCID uint16

	// adminHead is this driver's shadow of the admin CQ head pointer; it
	// advances on every completion consumed and wraps at adminQueueDepth.
	adminHead uint16

	// adminPhase is the per-queue completion phase bit this driver
	// tracks; it toggles every time the admin CQ head wraps around
	// adminQueueDepth.
	adminPhase bool
}

// NewTransport wraps an already-mapped 64 KiB MMIO window and a DMA arena
// sized per arenaSize. stall is the platform.Clock.Stall primitive every
// CSTS.RDY spin relies on.
func NewTransport(regs *mmio.Window, region *dma.Region, namespaceID uint32, stall func(time.Duration)) *Transport {
	return &Transport{Regs: regs, DMA: region, namespaceID: namespaceID, Stall: stall, adminPhase: true}
}

func (t *Transport) waitReady(want uint32, attempts int) bool {
	return mmio.WaitFor32(t.Regs, regCSTS, cstsRdy, want, attempts, func() { t.Stall(time.Millisecond) })
}

// Init runs the controller bring-up sequence: disable, wait for
// CSTS.RDY to clear, program AQA/ASQ/ACQ, enable with IOSQES=6/IOCQES=4,
// wait for CSTS.RDY=1, create one I/O CQ/SQ pair on qid 1, then identify
// the controller and namespace. Requires the NVMe command set (CAP.CSS
// bit 0) and 4 KiB pages (CAP.MPSMIN == 0, i.e. MPSMIN+12 <= 12).
func (t *Transport) Init() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	capHi := t.Regs.Read32(regCAP + 4)
	t.dstrd = uint8(capHi >> 0 & 0xf) // CAP.DSTRD occupies bits 32-35 of the 64-bit CAP register
	if capHi&(1<<5) == 0 {            // CAP.CSS bit 0 at bit 37 overall == bit 5 of the high dword
		return errUnsupported("controller does not advertise the NVMe command set")
	}
	if (capHi>>16)&capMPSMinMask != 0 { // CAP.MPSMIN occupies bits 48-51, bits 16-19 of the high dword
		return errUnsupported("controller requires a page size larger than 4 KiB")
	}

	cc := t.Regs.Read32(regCC)
	if cc&ccEnable != 0 {
		t.Regs.Write32(regCC, cc&^ccEnable)
		if !t.waitReady(0, 500) {
			return errTimeout("controller disable")
		}
	}

	t.Regs.Write32(regAQA, uint32(adminQueueDepth-1)<<16|uint32(adminQueueDepth-1))
	t.Regs.Write32(regASQ, uint32(regionAdminSQ))
	t.Regs.Write32(regASQ+4, 0)
	t.Regs.Write32(regACQ, uint32(regionAdminCQ))
	t.Regs.Write32(regACQ+4, 0)

	newCC := uint32(ccEnable) | iosqes<<16 | iocqes<<20
	t.Regs.Write32(regCC, newCC)
	if !t.waitReady(cstsRdy, 500) {
		return errTimeout("controller enable")
	}

	if err := t.createIOQueues(); err != nil {
		return err
	}
	if err := t.identify(); err != nil {
		return err
	}
	return nil
}

// createIOQueues issues CREATE_IO_CQ then CREATE_IO_SQ on qid 1, per the
// bring-up sequence: the completion queue must exist before a submission
// queue can reference it.
func (t *Transport) createIOQueues() error {
	cdw10CQ := uint32(ioQueueID) | uint32(ioQueueDepth-1)<<16
	cdw11CQ := uint32(1) // PC=1 (physically contiguous), interrupts not used in polled mode
	if err := t.submitAdminRaw(opCreateIOCQ, 0, cdw10CQ, cdw11CQ, uint64(regionIOCQ), 0); err != nil {
		return err
	}
	cdw10SQ := uint32(ioQueueID) | uint32(ioQueueDepth-1)<<16
	cdw11SQ := uint32(ioQueueID)<<16 | 1 // CQID=1, PC=1
	return t.submitAdminRaw(opCreateIOSQ, 0, cdw10SQ, cdw11SQ, uint64(regionIOSQ), 0)
}

func (t *Transport) identify() error {
	buf, off, ok := t.DMA.Alloc(pageSize)
	if !ok {
		return errResources("identify buffer")
	}
	defer t.DMA.Free(off, pageSize)

	if err := t.submitAdmin(opIdentify, 0, 1, off, pageSize); err != nil {
		return err
	}
	copy(t.DMA.At(regionControllerData, pageSize), buf)

	buf2, off2, ok := t.DMA.Alloc(pageSize)
	if !ok {
		return errResources("namespace identify buffer")
	}
	defer t.DMA.Free(off2, pageSize)
	if err := t.submitAdmin(opIdentify, t.namespaceID, 0, off2, pageSize); err != nil {
		return err
	}
	copy(t.DMA.At(regionNamespaceData, pageSize), buf2)
	return nil
}

// buildPRP computes the inline PRP1 entry and, when the payload spans more
// than two pages, materializes a chained PRP list in the shared PRP-list
// region (regionPRPList). dataOffset/length describe the payload's
// location within the DMA arena. Per §4.7: the first PRP entry lives
// inline in the SQE; a list is only built when more than two pages are
// covered. Each list page holds prpEntriesPerPage entries; the last entry
// of a non-terminal list page points to the next list page.
func (t *Transport) buildPRP(dataOffset, length int) (prp1, prp2 uint64, err error) {
	if length <= 0 {
		return 0, 0, nil
	}
	prp1 = uint64(dataOffset)
	firstPageBytes := pageSize - dataOffset%pageSize
	if length <= firstPageBytes {
		return prp1, 0, nil
	}
	remaining := length - firstPageBytes
	nextPage := (dataOffset/pageSize + 1) * pageSize
	if remaining <= pageSize {
		return prp1, uint64(nextPage), nil
	}

	nPages := (remaining + pageSize - 1) / pageSize
	maxListPages := prpListPages
	needed := (nPages + prpEntriesPerPage - 2) / (prpEntriesPerPage - 1)
	if needed < 1 {
		needed = 1
	}
	if needed > maxListPages {
		return 0, 0, errResources("payload exceeds per-slot PRP list capacity")
	}

	listPage := regionPRPList
	entry := 0
	pageAddr := nextPage
	for i := 0; i < nPages; i++ {
		if entry == prpEntriesPerPage-1 {
			nextListPage := listPage + pageSize
			binary.LittleEndian.PutUint64(t.DMA.At(listPage+entry*8, 8), uint64(nextListPage))
			listPage = nextListPage
			entry = 0
		}
		binary.LittleEndian.PutUint64(t.DMA.At(listPage+entry*8, 8), uint64(pageAddr))
		entry++
		pageAddr += pageSize
	}
	return prp1, uint64(regionPRPList), nil
}

// submitAdmin is a simplified single-command admin submit/wait-complete
// cycle for a command whose data pointer is expressed as a PRP1/PRP2 pair
// built from dataOffset/length. Real multi-command pipelining is out of
// scope — the engine only ever has one security command in flight at a
// time.
func (t *Transport) submitAdmin(opcode uint8, nsid uint32, cdw10 uint32, dataOffset, length int) error {
	prp1, prp2, err := t.buildPRP(dataOffset, length)
	if err != nil {
		return err
	}
	return t.submitAdminRaw(opcode, nsid, cdw10, 0, prp1, prp2)
}

// submitAdminRaw writes one 64-byte SQE at slot 0 of the admin queue, rings
// the tail doorbell, and blocks on pollAdminCompletion for the matching CID.
func (t *Transport) submitAdminRaw(opcode uint8, nsid uint32, cdw10, cdw11 uint32, prp1, prp2 uint64) error {
	cid := t.adminCID
	t.adminCID++

	sqe := make([]byte, sqEntrySize)
	sqe[0] = opcode
	binary.LittleEndian.PutUint16(sqe[2:4], cid)
	binary.LittleEndian.PutUint32(sqe[4:8], nsid)
	binary.LittleEndian.PutUint64(sqe[24:32], prp1)
	binary.LittleEndian.PutUint64(sqe[32:40], prp2)
	binary.LittleEndian.PutUint32(sqe[40:44], cdw10)
	binary.LittleEndian.PutUint32(sqe[44:48], cdw11)

	copy(t.DMA.At(regionAdminSQ, sqEntrySize), sqe)
	// Ordering: the doorbell write must strictly follow the SQE store;
	// the copy above happens-before this write under Go's memory model
	// for a single goroutine, so no further barrier is needed.
	t.Regs.Write32(sqTailDoorbell(0, t.dstrd), 1)

	return t.pollAdminCompletion(cid)
}

// pollAdminCompletion implements the §4.7 completion protocol: poll the CQ
// entry at the shadowed head against the expected phase bit, decode the
// status field's SCT/SC (non-zero is a device error), advance the head and
// ring its doorbell, and toggle the phase on wrap.
func (t *Transport) pollAdminCompletion(cid uint16) error {
	for i := 0; i < 1000; i++ {
		entry := t.DMA.At(regionAdminCQ+int(t.adminHead)*cqEntrySize, cqEntrySize)
		status := binary.LittleEndian.Uint16(entry[14:16])
		if status&1 != 0 == t.adminPhase {
			gotCID := binary.LittleEndian.Uint16(entry[12:14])
			sct := uint8(status >> 1 & 0x7)
			sc := uint8(status >> 4 & 0xff)

			t.adminHead++
			if t.adminHead == adminQueueDepth {
				t.adminHead = 0
				t.adminPhase = !t.adminPhase
			}
			t.Regs.Write32(cqHeadDoorbell(0, t.dstrd), uint32(t.adminHead))

			if gotCID != cid {
				return errDevice("completion CID mismatch")
			}
			if sct != 0 || sc != 0 {
				return errDevice("admin command reported non-zero status")
			}
			return nil
		}
		t.Stall(time.Millisecond)
	}
	return errTimeout("admin completion")
}

// SecuritySend carries payload through the security bounce buffer and
// issues SECURITY_SEND (opcode 0x81), cdw10 packing SECP/SPSP per the
// NVMe base spec's Security Send command. Payloads up to bouncePages
// pages exercise the PRP-list path in buildPRP.
func (t *Transport) SecuritySend(protocol uint8, spSpecific uint16, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	maxLen := bouncePages * pageSize
	if len(payload) > maxLen {
		return errResources("security send payload exceeds bounce buffer")
	}
	bounce := t.DMA.At(regionSecurityBounce, maxLen)
	for i := range bounce {
		bounce[i] = 0
	}
	copy(bounce, payload)

	cdw10 := uint32(protocol)<<24 | uint32(mmio.Swap16(spSpecific))<<8
	return t.submitAdmin(opSecuritySend, 0, cdw10, regionSecurityBounce, len(payload))
}

// SecurityReceive issues SECURITY_RECV (opcode 0x82) and copies the
// response out of the security bounce buffer.
func (t *Transport) SecurityReceive(protocol uint8, spSpecific uint16, length int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	maxLen := bouncePages * pageSize
	if length > maxLen {
		length = maxLen
	}
	cdw10 := uint32(protocol)<<24 | uint32(mmio.Swap16(spSpecific))<<8
	if err := t.submitAdmin(opSecurityRecv, 0, cdw10, regionSecurityBounce, length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, t.DMA.At(regionSecurityBounce, length))
	return out, nil
}

// Shutdown deletes the I/O SQ/CQ pair, then issues a normal NVMe shutdown
// (CC.SHN=1) and waits for CSTS.SHST to report shutdown complete.
func (t *Transport) Shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.submitAdminRaw(opDeleteIOSQ, 0, uint32(ioQueueID), 0, 0, 0)
	t.submitAdminRaw(opDeleteIOCQ, 0, uint32(ioQueueID), 0, 0, 0)

	cc := t.Regs.Read32(regCC)
	t.Regs.Write32(regCC, cc|ccShn)
	for i := 0; i < 500; i++ {
		if t.Regs.Read32(regCSTS)&cstsShst == shstComplete {
			return nil
		}
		t.Stall(time.Millisecond)
	}
	return errTimeout("controller shutdown")
}

type transportError struct{ op, msg string }

func (e *transportError) Error() string { return "nvme: " + e.op + ": " + e.msg }

func errTimeout(op string) error     { return &transportError{op, "timed out"} }
func errResources(op string) error   { return &transportError{op, "out of resources"} }
func errUnsupported(op string) error { return &transportError{op, "unsupported"} }
func errDevice(op string) error      { return &transportError{op, "device error"} }
