// Package page implements spec.md §4.2: a single process-wide table
// with one record per physical page, used for reference counting and
// for tracking which allocator (if any) owns each page. The table is
// mutated from both ordinary allocator code and interrupt context, so
// every field is touched exclusively through the atomic helpers below.
package page

import "sync/atomic"

// Flag is a bitmask describing the role of a physical page.
type Flag uint16

const (
	// FlagUnusable marks a page that must never be handed out (below
	// 4KiB, or inside a non-available boot memory region).
	FlagUnusable Flag = 1 << iota
	// FlagKernel marks a page that holds the kernel image or the
	// page-metadata table.
	FlagKernel
	// FlagReadOnly marks a page inside the kernel's read-only section.
	FlagReadOnly
	// FlagBuddy marks a page currently owned by the buddy allocator.
	FlagBuddy
	// FlagFreelist marks a page currently threaded onto the single-page
	// freelist (see kernel/mem/freelist).
	FlagFreelist
)

// Record is the per-physical-page metadata entry. Flags and RefCount
// are stored in the low 16 bits of a uint32 so that sync/atomic's
// 32-bit primitives — the narrowest width the package offers — can
// implement the spec's 16-bit atomic semantics; values never exceed
// 0xFFFF.
//
// The payload fields below double as the three variants spec.md's data
// model describes for a record ("slab header, buddy block info ...
// freelist link"): blockBase/freeCount when FlagBuddy is set, next when
// FlagFreelist is set. A record never needs more than one variant live
// at a time since a page has exactly one role, so there is no need for
// an unsafe union the way the original C implementation (and its
// slab_header_t/buddy_alloc_info/freelist_info union) packs them.
type Record struct {
	flags    uint32
	refcount uint32

	// blockBase points at the metadata record for the first page of
	// the buddy block this page belongs to (reflexively, for the base
	// page itself). Only meaningful when FlagBuddy is set.
	blockBase *Record
	// freeCount is only meaningful on a block's base page: the number
	// of pages within the block whose reference count has not yet
	// dropped to zero. It starts at the block's page count and the
	// block is released only once it reaches zero.
	freeCount uint32

	// next links this page onto the single-page freelist. Only
	// meaningful when FlagFreelist is set.
	next Frame
}

// Frame is a physical page index (address >> PageShift).
type Frame uintptr

// HasFlags reports whether every bit in mask is set.
func (r *Record) HasFlags(mask Flag) bool {
	return Flag(atomic.LoadUint32(&r.flags))&mask == mask
}

// Flags returns the record's current flag set.
func (r *Record) Flags() Flag {
	return Flag(atomic.LoadUint32(&r.flags))
}

// SetFlags ORs mask into the record's flags, retrying on a concurrent
// update the way an interrupt-context reference drop might cause.
func (r *Record) SetFlags(mask Flag) {
	for {
		old := atomic.LoadUint32(&r.flags)
		updated := old | uint32(mask)
		if atomic.CompareAndSwapUint32(&r.flags, old, updated) {
			return
		}
	}
}

// UnsetFlags ANDs the complement of mask into the record's flags.
func (r *Record) UnsetFlags(mask Flag) {
	for {
		old := atomic.LoadUint32(&r.flags)
		updated := old &^ uint32(mask)
		if atomic.CompareAndSwapUint32(&r.flags, old, updated) {
			return
		}
	}
}

// RefCount returns the current reference count.
func (r *Record) RefCount() uint16 {
	return uint16(atomic.LoadUint32(&r.refcount))
}

// Reference atomically increments the reference count and returns the
// new value.
func (r *Record) Reference() uint16 {
	return uint16(atomic.AddUint32(&r.refcount, 1))
}

// ReleaseBlockFn is invoked by DropReference when a buddy block's base
// page free count reaches zero, i.e. every page in the block has been
// dereferenced. The function is supplied by DropReference's caller and
// receives only the base page's record, which stores neither the
// block's order nor its physical address; no package in this module
// supplies a release function that returns the block to the buddy
// allocator.
type ReleaseBlockFn func(blockBase *Record)

// DropReference atomically decrements the reference count and returns
// the new value. If the page is buddy-managed and its new reference
// count is zero, the base page's free count is atomically decremented;
// once that reaches zero the block is released via release.
func (r *Record) DropReference(release ReleaseBlockFn) uint16 {
	newCount := uint16(atomic.AddUint32(&r.refcount, ^uint32(0)))

	if newCount == 0 && r.HasFlags(FlagBuddy) && r.blockBase != nil {
		remaining := uint16(atomic.AddUint32(&r.blockBase.freeCount, ^uint32(0)))
		if remaining == 0 && release != nil {
			release(r.blockBase)
		}
	}

	return newCount
}

// SetBuddyBlock records that r belongs to a buddy block whose base page
// is base, and (when r is itself that base page) the number of pages in
// the block that must be dereferenced before it can be released.
func (r *Record) SetBuddyBlock(base *Record, blockPages uint16) {
	r.blockBase = base
	if r == base {
		atomic.StoreUint32(&r.freeCount, uint32(blockPages))
	}
}

// BlockBase returns the base-page record for the buddy block r belongs
// to, or nil if r is not buddy-managed.
func (r *Record) BlockBase() *Record {
	return r.blockBase
}

// SetFreelistNext sets the next-page link used by the single-page
// freelist.
func (r *Record) SetFreelistNext(next Frame) {
	r.next = next
}

// FreelistNext returns the next-page link used by the single-page
// freelist.
func (r *Record) FreelistNext() Frame {
	return r.next
}
