package vm

import "testing"

func TestPageRounding(t *testing.T) {
	tests := []struct {
		va       uintptr
		down, up uintptr
	}{
		{0, 0, 0},
		{1, 0, PageSize},
		{PageSize - 1, 0, PageSize},
		{PageSize, PageSize, PageSize},
		{3*PageSize + 17, 3 * PageSize, 4 * PageSize},
	}

	for _, tt := range tests {
		if got := PageRoundDown(tt.va); got != tt.down {
			t.Errorf("PageRoundDown(0x%x): expected 0x%x, got 0x%x", tt.va, tt.down, got)
		}
		if got := PageRoundUp(tt.va); got != tt.up {
			t.Errorf("PageRoundUp(0x%x): expected 0x%x, got 0x%x", tt.va, tt.up, got)
		}
	}
}

func TestIsPrivileged(t *testing.T) {
	for pid, expected := range map[int]bool{1: true, 2: true, 3: false, 100: false} {
		if IsPrivileged(pid) != expected {
			t.Errorf("IsPrivileged(%d): expected %v", pid, expected)
		}
	}
}

func TestFlagsString(t *testing.T) {
	tests := []struct {
		flags    Flags
		expected string
	}{
		{0, "-"},
		{FlagPresent | FlagWritable | FlagUser, "P|W|U"},
		{FlagPresent | FlagUser | FlagCOW | FlagAccessed, "P|U|A|COW"},
		{FlagOnDisk | FlagUser, "U|PG"},
	}

	for _, tt := range tests {
		if got := tt.flags.String(); got != tt.expected {
			t.Errorf("Expected %q, got %q", tt.expected, got)
		}
	}
}

func TestFlagsHas(t *testing.T) {
	f := FlagPresent | FlagUser
	if !f.Has(FlagPresent) || !f.Has(FlagPresent|FlagUser) {
		t.Error("Expected Has to match set bits")
	}
	if f.Has(FlagPresent | FlagWritable) {
		t.Error("Has must require every bit of the mask")
	}
}
