package audio

import "testing"

func TestTapLatestBeforeFull(t *testing.T) {
	tap := NewTap("mic", 8)
	tap.Write([]float32{0.1, 0.2, 0.3})

	dst := make([]float32, 5)
	n := tap.Latest(dst)
	if n != 3 {
		t.Fatalf("Expected 3 samples, got %d", n)
	}
	want := []float32{0, 0, 0.1, 0.2, 0.3}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("dst[%d] = %v, want %v", i, dst[i], want[i])
		}
	}
}

func TestTapWrapsAround(t *testing.T) {
	tap := NewTap("mic", 4)
	tap.Write([]float32{1, 2, 3})
	tap.Write([]float32{4, 5, 6})

	dst := make([]float32, 4)
	if n := tap.Latest(dst); n != 4 {
		t.Fatalf("Expected 4 samples, got %d", n)
	}
	want := []float32{3, 4, 5, 6}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("dst[%d] = %v, want %v", i, dst[i], want[i])
		}
	}
}

func TestTapOversizedWriteKeepsTail(t *testing.T) {
	tap := NewTap("bot", 3)
	tap.Write([]float32{1, 2, 3, 4, 5})

	dst := make([]float32, 3)
	tap.Latest(dst)
	if dst[0] != 3 || dst[1] != 4 || dst[2] != 5 {
		t.Errorf("Expected tail [3 4 5], got %v", dst)
	}
}

func TestTapReset(t *testing.T) {
	tap := NewTap("bot", 4)
	tap.WriteInt16([]int16{32767, -32767})
	tap.Reset()

	dst := make([]float32, 4)
	if n := tap.Latest(dst); n != 0 {
		t.Errorf("Expected empty tap after reset, got %d samples", n)
	}
}
