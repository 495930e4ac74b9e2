package hotplug

// loadHistory is a fixed-capacity circular buffer of scaled load
// samples. The moving average always covers the len(samples) most
// recent entries ending at the write cursor, regardless of wrap
// position.
type loadHistory struct {
	samples []uint
	cursor  int
}

func newLoadHistory(size int) *loadHistory {
	return &loadHistory{samples: make([]uint, size)}
}

func (h *loadHistory) Size() int { return len(h.samples) }

// Resize reallocates the buffer to the new size. No history is
// preserved; the cursor resets so the recomputed bound always lies
// within the new buffer.
func (h *loadHistory) Resize(size int) {
	h.samples = make([]uint, size)
	h.cursor = 0
}

// Sample stores the value at the cursor, returns the moving average
// over the whole window, and advances the cursor with wrap-around.
// Short-duration load spikes are absorbed by the averaging so they do
// not cause hotplug churn.
func (h *loadHistory) Sample(value uint) uint {
	h.samples[h.cursor] = value

	sum := uint(0)
	for i, j := 0, h.cursor; i < len(h.samples); i++ {
		sum += h.samples[j]
		if j == 0 {
			j = len(h.samples) - 1
		} else {
			j--
		}
	}

	if h.cursor++; h.cursor == len(h.samples) {
		h.cursor = 0
	}

	return sum / uint(len(h.samples))
}

// Seed fills every slot with the value, e.g. to prevent an artificially
// low average right after resume from triggering an offline.
func (h *loadHistory) Seed(value uint) {
	for i := range h.samples {
		h.samples[i] = value
	}
}
