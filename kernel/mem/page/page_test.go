package page

import "testing"

func TestSetUnsetFlags(t *testing.T) {
	var r Record

	r.SetFlags(FlagKernel)
	if !r.HasFlags(FlagKernel) {
		t.Fatal("expected FlagKernel to be set")
	}

	r.SetFlags(FlagReadOnly)
	if !r.HasFlags(FlagKernel | FlagReadOnly) {
		t.Fatal("expected both FlagKernel and FlagReadOnly to be set")
	}

	r.UnsetFlags(FlagKernel)
	if r.HasFlags(FlagKernel) {
		t.Fatal("expected FlagKernel to be cleared")
	}
	if !r.HasFlags(FlagReadOnly) {
		t.Fatal("expected FlagReadOnly to remain set")
	}
}

func TestReferenceCounting(t *testing.T) {
	var r Record

	if got := r.Reference(); got != 1 {
		t.Fatalf("Reference() = %d; want 1", got)
	}
	if got := r.Reference(); got != 2 {
		t.Fatalf("Reference() = %d; want 2", got)
	}
	if got := r.DropReference(nil); got != 1 {
		t.Fatalf("DropReference() = %d; want 1", got)
	}
	if got := r.RefCount(); got != 1 {
		t.Fatalf("RefCount() = %d; want 1", got)
	}
}

func TestDropReferenceReleasesBuddyBlock(t *testing.T) {
	var base, p1, p2 Record
	base.SetFlags(FlagBuddy)
	p1.SetFlags(FlagBuddy)
	p2.SetFlags(FlagBuddy)

	base.SetBuddyBlock(&base, 3)
	p1.SetBuddyBlock(&base, 0)
	p2.SetBuddyBlock(&base, 0)

	base.Reference()
	p1.Reference()
	p2.Reference()

	released := 0
	release := func(blockBase *Record) {
		released++
		if blockBase != &base {
			t.Error("release callback received wrong block base")
		}
	}

	base.DropReference(release)
	if released != 0 {
		t.Fatal("block released before every page was dereferenced")
	}
	p1.DropReference(release)
	if released != 0 {
		t.Fatal("block released before every page was dereferenced")
	}
	p2.DropReference(release)
	if released != 1 {
		t.Fatalf("release called %d times; want 1", released)
	}
}

func TestDropReferenceIgnoresNonBuddyPages(t *testing.T) {
	var r Record
	r.Reference()

	released := false
	r.DropReference(func(*Record) { released = true })

	if released {
		t.Fatal("release callback should not fire for a non-buddy page")
	}
}

func TestFreelistLink(t *testing.T) {
	var r Record
	r.SetFlags(FlagFreelist)
	r.SetFreelistNext(42)

	if !r.HasFlags(FlagFreelist) {
		t.Fatal("expected FlagFreelist to be set")
	}
	if got := r.FreelistNext(); got != 42 {
		t.Fatalf("FreelistNext() = %d; want 42", got)
	}
}
