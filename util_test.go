package flashlog

import "testing"

func TestNextPow2(t *testing.T) {
	tests := []struct {
		in   uint64
		want uint64
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 4},
		{63, 64},
		{64, 64},
		{65, 128},
		{1000, 1024},
	}
	for _, tt := range tests {
		if got := nextPow2(tt.in); got != tt.want {
			t.Errorf("nextPow2(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestPageSizeIsPositive(t *testing.T) {
	if PageSize() <= 0 {
		t.Fatalf("expected a positive page size, got %d", PageSize())
	}
}
