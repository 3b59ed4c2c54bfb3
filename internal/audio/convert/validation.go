package convert

import "slices"

// IsFrameSizeValid reports whether frameSize samples per channel is one of the
// opus frame durations (2.5, 5, 10, 20, 40 or 60 ms) at sampleRate.
func IsFrameSizeValid(sampleRate, frameSize int) bool {
	step := sampleRate / 400 // 2.5ms
	if step == 0 {
		return false
	}
	return slices.Contains([]int{step, step * 2, step * 4, step * 8, step * 16, step * 24}, frameSize)
}
