package vm

import (
	"sync"
	"testing"
)

func TestPageTableMapTranslate(t *testing.T) {
	pt := NewPageTable(4)

	if err := pt.Map(0x3000, 7, FlagWritable|FlagUser); err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	frame, ok := pt.Translate(0x3abc)
	if !ok || frame != 7 {
		t.Errorf("Expected frame 7, got %d (present %v)", frame, ok)
	}

	flags, ok := pt.Flags(0x3000)
	if !ok || !flags.Has(FlagPresent|FlagWritable|FlagUser) {
		t.Errorf("Expected P|W|U, got %v", flags)
	}

	if err := pt.Map(0x3000, 8, FlagUser); err == nil {
		t.Error("Expected error remapping a present page")
	}
	if err := pt.Map(0x3001, 8, FlagUser); err == nil {
		t.Error("Expected error mapping an unaligned address")
	}
}

func TestPageTableMapClearsOnDisk(t *testing.T) {
	pt := NewPageTable(4)
	pt.SetFlags(0x1000, FlagOnDisk|FlagUser)

	if _, ok := pt.Translate(0x1000); ok {
		t.Error("Frameless entry should not translate")
	}

	if err := pt.Map(0x1000, 2, FlagOnDisk|FlagUser); err != nil {
		t.Fatal(err)
	}
	flags, _ := pt.Flags(0x1000)
	if flags.Has(FlagOnDisk) {
		t.Errorf("Map should clear OnDisk, got %v", flags)
	}
}

func TestPageTableSetFlags(t *testing.T) {
	pt := NewPageTable(4)

	if err := pt.SetFlags(0x5000, FlagPresent); err == nil {
		t.Error("Expected error setting present on an unmapped page")
	}

	pt.Map(0x5000, 3, FlagWritable|FlagUser)
	if err := pt.SetFlags(0x5000, FlagPresent|FlagUser|FlagCOW); err != nil {
		t.Fatal(err)
	}
	frame, ok := pt.Translate(0x5000)
	if !ok || frame != 3 {
		t.Errorf("SetFlags should keep the frame, got %d", frame)
	}
	flags, _ := pt.Flags(0x5000)
	if flags.Has(FlagWritable) || !flags.Has(FlagCOW) {
		t.Errorf("Expected P|U|COW, got %v", flags)
	}
}

func TestPageTableUnmapAndSize(t *testing.T) {
	pt := NewPageTable(4)
	for i := 0; i < 10; i++ {
		pt.Map(uintptr(i)*PageSize, Frame(i), FlagUser)
	}
	if pt.Size() != 10 {
		t.Errorf("Expected 10 entries, got %d", pt.Size())
	}

	pt.Unmap(3 * PageSize)
	if _, ok := pt.Flags(3 * PageSize); ok {
		t.Error("Expected entry to be gone after Unmap")
	}
	if pt.Size() != 9 {
		t.Errorf("Expected 9 entries, got %d", pt.Size())
	}
}

func TestPageTableWalkOrder(t *testing.T) {
	pt := NewPageTable(3)
	for _, i := range []int{9, 2, 7, 0, 5} {
		pt.Map(uintptr(i)*PageSize, Frame(i), FlagUser)
	}

	var seen []uintptr
	pt.Walk(func(va uintptr, frame Frame, flags Flags) bool {
		seen = append(seen, va)
		return len(seen) < 4
	})

	expected := []uintptr{0, 2 * PageSize, 5 * PageSize, 7 * PageSize}
	if len(seen) != len(expected) {
		t.Fatalf("Expected %d entries, got %d", len(expected), len(seen))
	}
	for i := range expected {
		if seen[i] != expected[i] {
			t.Errorf("Entry %d: expected 0x%x, got 0x%x", i, expected[i], seen[i])
		}
	}
}

func TestPageTableActivate(t *testing.T) {
	pt := NewPageTable(0)
	pt.Activate()
	pt.Activate()
	if pt.Activations() != 2 {
		t.Errorf("Expected 2 activations, got %d", pt.Activations())
	}
}

func TestPageTableConcurrentReaders(t *testing.T) {
	pt := NewPageTable(8)
	for i := 0; i < 64; i++ {
		pt.Map(uintptr(i)*PageSize, Frame(i), FlagUser)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 64; i++ {
				if f, ok := pt.Translate(uintptr(i) * PageSize); !ok || f != Frame(i) {
					t.Errorf("Expected frame %d, got %d", i, f)
				}
			}
		}()
	}
	wg.Wait()
}
