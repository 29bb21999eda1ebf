// Package dma provides a first-fit allocator over a fixed-size arena,
// adapted from usbarmory-tamago's dma package. The original allocates
// physically-addressed pages reachable from unsafe.Pointer; here the arena
// is a single []byte slice, and "addresses" are byte offsets into it, so
// the same allocation discipline (fixed regions carved up front, bounded
// reuse, no GC-visible pointers crossing the boundary) can be exercised and
// tested hosted.
package dma

import "sync"

// Region is a first-fit byte-range allocator over a fixed arena. It is used
// for the NVMe context's ≥512 KiB DMA arena (admin/IO queues, PRP lists,
// security bounce buffer) and the AHCI context's command-table/bounce
// buffer.
type Region struct {
	mu    sync.Mutex
	arena []byte
	free  []span // sorted, non-overlapping free spans
}

type span struct {
	start, end int
}

// NewRegion allocates an arena of the given size, entirely free.
func NewRegion(size int) *Region {
	return &Region{
		arena: make([]byte, size),
		free:  []span{{0, size}},
	}
}

// Alloc reserves n bytes and returns the backing slice plus its offset
// within the arena (callers building PRP lists need the offset, not just
// the bytes). It returns false if no span is large enough.
func (r *Region) Alloc(n int) (buf []byte, offset int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.free {
		if s.end-s.start >= n {
			offset = s.start
			if s.end-s.start == n {
				r.free = append(r.free[:i], r.free[i+1:]...)
			} else {
				r.free[i].start += n
			}
			return r.arena[offset : offset+n], offset, true
		}
	}
	return nil, 0, false
}

// Free returns the byte range [offset, offset+n) to the free list, merging
// with adjacent spans.
func (r *Region) Free(offset, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := span{offset, offset + n}
	inserted := false
	merged := make([]span, 0, len(r.free)+1)
	for _, f := range r.free {
		if !inserted && s.start <= f.start {
			merged = append(merged, s)
			inserted = true
		}
		merged = append(merged, f)
	}
	if !inserted {
		merged = append(merged, s)
	}
	r.free = coalesce(merged)
}

func coalesce(spans []span) []span {
	if len(spans) == 0 {
		return spans
	}
	out := spans[:1]
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// Len returns the arena's total size.
func (r *Region) Len() int { return len(r.arena) }

// At returns the arena bytes at [offset, offset+n), regardless of whether
// they are currently allocated — used by a region's owner to dereference
// an offset it allocated earlier without re-locking the free-list.
func (r *Region) At(offset, n int) []byte {
	return r.arena[offset : offset+n]
}
