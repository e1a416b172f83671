package mem

import "testing"

func TestAlignUpDown(t *testing.T) {
	specs := []struct {
		addr, align, up, down uintptr
	}{
		{0, 0x1000, 0, 0},
		{1, 0x1000, 0x1000, 0},
		{0x1000, 0x1000, 0x1000, 0x1000},
		{0x1001, 0x1000, 0x2000, 0x1000},
	}

	for _, spec := range specs {
		if got := AlignUp(spec.addr, spec.align); got != spec.up {
			t.Errorf("AlignUp(0x%x, 0x%x) = 0x%x; want 0x%x", spec.addr, spec.align, got, spec.up)
		}
		if got := AlignDown(spec.addr, spec.align); got != spec.down {
			t.Errorf("AlignDown(0x%x, 0x%x) = 0x%x; want 0x%x", spec.addr, spec.align, got, spec.down)
		}
	}
}

func TestIsAligned(t *testing.T) {
	if !IsAligned(0x2000, 0x1000) {
		t.Error("expected 0x2000 to be page-aligned")
	}
	if IsAligned(0x2001, 0x1000) {
		t.Error("expected 0x2001 to not be page-aligned")
	}
}

func TestSizePages(t *testing.T) {
	specs := []struct {
		size  Size
		pages uint64
	}{
		{0, 0},
		{1, 1},
		{Size(PageSize), 1},
		{Size(PageSize) + 1, 2},
		{10 * Size(PageSize), 10},
	}

	for _, spec := range specs {
		if got := spec.size.Pages(); got != spec.pages {
			t.Errorf("Size(%d).Pages() = %d; want %d", spec.size, got, spec.pages)
		}
	}
}

func TestSizeOrder(t *testing.T) {
	specs := []struct {
		size  Size
		order uint8
	}{
		{1, 0},
		{Size(PageSize), 0},
		{Size(PageSize) + 1, 1},
		{Size(PageSize) * 4, 2},
		{Size(PageSize) * 128, 7},
		{Size(PageSize) * 1000, 7}, // clamped to MaxOrder
	}

	for _, spec := range specs {
		if got := spec.size.Order(); got != spec.order {
			t.Errorf("Size(%d).Order() = %d; want %d", spec.size, got, spec.order)
		}
	}
}
