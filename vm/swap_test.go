package vm

import (
	"bytes"
	"testing"
)

func testPage(b byte) []byte {
	return bytes.Repeat([]byte{b}, PageSize)
}

func TestSwapRoundTrip(t *testing.T) {
	backing := NewMemoryBackingStore()
	swap := NewSwapStore(backing, "proc-3.0", 4, nil)
	table := NewRecordTable(4)
	rec, _ := table.AllocateRecord(pageVA(0), 0)

	if backing.Exists("proc-3.0") {
		t.Error("Swap file should be created lazily")
	}

	slot, err := swap.WriteOut(rec, testPage(0x5A))
	if err != nil {
		t.Fatalf("WriteOut failed: %v", err)
	}
	if slot != 0 || swap.Used() != 1 || !swap.Occupied(0) {
		t.Errorf("Unexpected slot state: slot=%d used=%d", slot, swap.Used())
	}
	if got, ok := rec.Slot(); !ok || got != slot {
		t.Errorf("Record slot not set: %d %v", got, ok)
	}
	if !backing.Exists("proc-3.0") {
		t.Error("Expected swap file after first write")
	}

	buf := make([]byte, PageSize)
	if err := swap.ReadIn(rec, buf); err != nil {
		t.Fatalf("ReadIn failed: %v", err)
	}
	if !bytes.Equal(buf, testPage(0x5A)) {
		t.Error("Swapped page content mismatch")
	}

	swap.FreeSlot(rec)
	if swap.Used() != 0 || swap.Occupied(0) {
		t.Error("Expected slot to be free")
	}
	if _, ok := rec.Slot(); ok {
		t.Error("Expected record slot to be cleared")
	}
	if err := swap.ReadIn(rec, buf); !IsErrorCode(err, ErrCodeSwapIoFailure) {
		t.Errorf("Expected SwapIoFailure reading a freed slot, got %v", err)
	}

	if err := swap.Destroy(); err != nil {
		t.Fatal(err)
	}
	if backing.Exists("proc-3.0") {
		t.Error("Expected swap file to be removed")
	}
}

func TestSwapFull(t *testing.T) {
	swap := NewSwapStore(NewMemoryBackingStore(), "full", 2, nil)
	table := NewRecordTable(3)

	for i := 0; i < 2; i++ {
		rec, _ := table.AllocateRecord(pageVA(i), 0)
		if _, err := swap.WriteOut(rec, testPage(byte(i))); err != nil {
			t.Fatal(err)
		}
	}
	rec, _ := table.AllocateRecord(pageVA(2), 0)
	if _, err := swap.WriteOut(rec, testPage(2)); !IsErrorCode(err, ErrCodeOutOfSwapSpace) {
		t.Errorf("Expected OutOfSwapSpace, got %v", err)
	}
}

func TestSwapFirstFreeSlot(t *testing.T) {
	swap := NewSwapStore(NewMemoryBackingStore(), "slots", 3, nil)
	table := NewRecordTable(3)
	recs := make([]*PageRecord, 3)
	for i := range recs {
		recs[i], _ = table.AllocateRecord(pageVA(i), 0)
		swap.WriteOut(recs[i], testPage(byte(i)))
	}

	swap.FreeSlot(recs[1])
	slot, err := swap.WriteOut(recs[1], testPage(9))
	if err != nil {
		t.Fatal(err)
	}
	if slot != 1 {
		t.Errorf("Expected freed slot 1 to be reused, got %d", slot)
	}
}

func TestSwapCopyFrom(t *testing.T) {
	backing := NewMemoryBackingStore()
	parent := NewSwapStore(backing, "parent", 3, nil)
	child := NewSwapStore(backing, "child", 3, nil)
	table := NewRecordTable(3)

	a, _ := table.AllocateRecord(pageVA(0), 0)
	b, _ := table.AllocateRecord(pageVA(1), 0)
	parent.WriteOut(a, testPage(1))
	parent.WriteOut(b, testPage(2))
	parent.FreeSlot(a)

	if err := child.CopyFrom(parent); err != nil {
		t.Fatalf("CopyFrom failed: %v", err)
	}
	if child.Used() != 1 || !child.Occupied(1) {
		t.Errorf("Expected only slot 1 copied, used=%d", child.Used())
	}

	buf := make([]byte, PageSize)
	if err := child.ReadIn(b, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, testPage(2)) {
		t.Error("Copied slot content mismatch")
	}

	// the copies are independent files
	child.Destroy()
	if err := parent.ReadIn(b, buf); err != nil {
		t.Errorf("Parent swap damaged by child destroy: %v", err)
	}
}
