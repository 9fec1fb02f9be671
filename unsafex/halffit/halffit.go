// Package halffit implements a half-fit dynamic memory allocator over a
// single fixed-size 32 KiB arena: an array of segregated free-block lists
// indexed by size class, with O(1) allocation (scan an 11-bit summary
// bit-vector for the smallest guaranteed-fit class) and O(1) free
// (coalesce physical neighbors, then reinsert).
//
// It is intended for environments where a general-purpose heap is
// unavailable or undesirable. It is not safe for concurrent use: callers
// must serialize access to a given Allocator themselves.
package halffit

import (
	"fmt"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
)

// Allocator manages a single ArenaSize-byte arena using the half-fit
// discipline: eleven size-class free lists, first-fit within the smallest
// class guaranteed to satisfy a request, and immediate physical-neighbor
// coalescing on Free.
type Allocator struct {
	arena      []byte
	arenaStart unsafe.Pointer

	buckets bucketSet
	log     Logger
}

// ArenaSize is the exact size, in bytes, every Allocator's backing arena
// must be.
const ArenaSize = arenaSize

// Option configures an Allocator at construction time.
type Option func(*Allocator)

// WithLogger injects a diagnostic sink. The default is a no-op.
func WithLogger(l Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.log = l
		}
	}
}

// New creates an Allocator managing arena, which must be exactly
// ArenaSize bytes and 32-byte aligned. The arena's contents are
// overwritten by init; it does not need to be zeroed beforehand.
func New(arena []byte, opts ...Option) (*Allocator, error) {
	if len(arena) != ArenaSize {
		return nil, fmt.Errorf("halffit: arena must be exactly %d bytes, got %d", ArenaSize, len(arena))
	}
	base := unsafe.Pointer(&arena[0])
	if uintptr(base)%chunkSize != 0 {
		return nil, fmt.Errorf("halffit: arena must be %d-byte aligned", chunkSize)
	}

	a := &Allocator{
		arena:      arena,
		arenaStart: base,
		log:        nopLogger{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.init()
	return a, nil
}

// NewArena allocates and owns a fresh ArenaSize-byte arena (via
// dirtmake.Bytes, so it starts uninitialized rather than zeroed) and
// returns an Allocator managing it.
func NewArena(opts ...Option) (*Allocator, error) {
	return New(dirtmake.Bytes(ArenaSize, ArenaSize), opts...)
}

// init (re)establishes the post-init invariants: a single free block
// spanning the whole arena, filed in the top bucket.
func (a *Allocator) init() {
	a.buckets = bucketSet{}
	a.writeHeader(0, header{prevPhys: 0, nextPhys: 0, sizeCode: mustEncodeSize(ArenaSize), allocated: false})
	a.insert(0, numBuckets-1)
}

// Reset re-runs init, invalidating every outstanding pointer into the
// arena. The caller is responsible for not dereferencing stale slices
// afterward.
func (a *Allocator) Reset() {
	a.init()
}

// Alloc returns a slice of at least size usable bytes, or nil if the
// request cannot be satisfied (too large for the arena, or the arena is
// exhausted). Returned slices are 4-byte aligned at minimum.
func (a *Allocator) Alloc(size int) []byte {
	if size < 0 {
		return nil
	}
	if size > ArenaSize {
		a.log.Printf("halffit: alloc request too large: %d bytes", size)
		return nil
	}
	need := roundUpToChunk(uint32(size) + headerSize)
	if need > ArenaSize {
		a.log.Printf("halffit: alloc request too large: %d bytes", size)
		return nil
	}

	k := guaranteedBucket(need)
	if k == noFit {
		a.log.Printf("halffit: alloc request too large: %d bytes", size)
		return nil
	}
	k = a.buckets.findNonEmptyAtOrAbove(k)
	if k == noFit {
		a.log.Printf("halffit: out of memory for %d bytes", size)
		return nil
	}

	idx := a.buckets.heads[k]
	a.remove(idx, k)

	h := a.readHeader(idx)
	blockSize := decodeSize(h.sizeCode)

	if blockSize >= need+chunkSize {
		a.split(idx, h, need)
		h = a.readHeader(idx)
	}

	h.allocated = true
	a.writeHeader(idx, h)

	return a.payload(idx, int(size))
}

// split carves a need-byte block at the front of the block at idx (whose
// decoded header is h) and files the remainder as a new free block.
func (a *Allocator) split(idx uint16, h header, need uint32) {
	blockSize := decodeSize(h.sizeCode)
	remSize := blockSize - need
	remIdx := idx + uint16(need/chunkSize)

	nextIdx := fromIndex(h.nextPhys, idx)
	remNext := remIdx // self: none, unless overwritten below
	if nextIdx != noLink {
		remNext = nextIdx
		nh := a.readHeader(nextIdx)
		nh.prevPhys = remIdx
		a.writeHeader(nextIdx, nh)
	}

	a.writeHeader(remIdx, header{
		prevPhys:  idx,
		nextPhys:  remNext,
		sizeCode:  mustEncodeSize(remSize),
		allocated: false,
	})
	a.insert(remIdx, containingBucket(remSize))

	h.sizeCode = mustEncodeSize(need)
	h.nextPhys = remIdx
	a.writeHeader(idx, h)
}

// Free returns block (a slice previously returned by Alloc) to the
// allocator, coalescing it with any free physical neighbors.
func (a *Allocator) Free(block []byte) {
	if len(block) == 0 && cap(block) == 0 {
		return
	}
	idx := a.blockIndex(block)

	h := a.readHeader(idx)
	size := decodeSize(h.sizeCode)

	mergedIdx := idx
	nextIdx := fromIndex(h.nextPhys, idx)
	prevIdx := fromIndex(h.prevPhys, idx)

	if nextIdx != noLink {
		nh := a.readHeader(nextIdx)
		if !nh.allocated {
			a.remove(nextIdx, containingBucket(decodeSize(nh.sizeCode)))
			size += decodeSize(nh.sizeCode)
			nextIdx = fromIndex(nh.nextPhys, nextIdx)
		}
	}
	if prevIdx != noLink {
		ph := a.readHeader(prevIdx)
		if !ph.allocated {
			a.remove(prevIdx, containingBucket(decodeSize(ph.sizeCode)))
			size += decodeSize(ph.sizeCode)
			mergedIdx = prevIdx
		}
	}

	newNext := mergedIdx // self: none
	if nextIdx != noLink {
		newNext = nextIdx
		nh := a.readHeader(nextIdx)
		nh.prevPhys = mergedIdx
		a.writeHeader(nextIdx, nh)
	}

	mh := a.readHeader(mergedIdx)
	mh.sizeCode = mustEncodeSize(size)
	mh.allocated = false
	mh.nextPhys = newNext
	a.writeHeader(mergedIdx, mh)

	a.insert(mergedIdx, containingBucket(size))
}

// Available returns the total free payload bytes currently held across
// all buckets (read-only diagnostic; header overhead is excluded).
func (a *Allocator) Available() int {
	total := 0
	for k := 0; k < numBuckets; k++ {
		if !a.buckets.hasHead[k] {
			continue
		}
		idx := a.buckets.heads[k]
		for {
			h := a.readHeader(idx)
			total += int(decodeSize(h.sizeCode)) - headerSize
			link := a.readFreeLink(idx)
			next := fromIndex(link.nextFree, idx)
			if next == noLink {
				break
			}
			idx = next
		}
	}
	return total
}

// payload returns the caller-visible slice for the block at idx, skipping
// the header. n is the originally requested size.
func (a *Allocator) payload(idx uint16, n int) []byte {
	h := a.readHeader(idx)
	capacity := int(decodeSize(h.sizeCode)) - headerSize
	ptr := unsafe.Add(a.arenaStart, uintptr(idx)*chunkSize+headerSize)
	return unsafe.Slice((*byte)(ptr), capacity)[:n]
}

// blockIndex recovers the chunk index of the block backing a payload
// slice previously returned by Alloc.
func (a *Allocator) blockIndex(block []byte) uint16 {
	dataPtr := *(*uintptr)(unsafe.Pointer(&block))
	base := uintptr(a.arenaStart)
	if dataPtr < base+headerSize || dataPtr >= base+uintptr(len(a.arena)) {
		a.log.Printf("halffit: free: address out of bounds")
		panic("halffit: free of pointer not owned by this arena")
	}
	off := dataPtr - base - headerSize
	if off%chunkSize != 0 {
		panic("halffit: free of misaligned pointer")
	}
	return toIndex(off)
}

// roundUpToChunk rounds value up to the next multiple of chunkSize.
func roundUpToChunk(value uint32) uint32 {
	return (value + chunkSize - 1) &^ (chunkSize - 1)
}

// mustEncodeSize encodes bytes into a size code, panicking on values that
// can never arise from valid allocator-internal arithmetic.
func mustEncodeSize(bytes uint32) uint16 {
	code, err := encodeSize(bytes)
	if err != nil {
		panic(err)
	}
	return code
}
