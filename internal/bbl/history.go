package bbl

// History keeps the two most recent validated main frames plus a scratch
// slot the next frame decodes into. It is owned by a single flight.
type History struct {
	slots     [3][]int64
	scratch   int
	previous  int
	previous2 int
}

// NewHistory returns a zero-initialized history for frames of n fields.
func NewHistory(n int) *History {
	h := &History{scratch: 0, previous: 1, previous2: 2}
	for i := range h.slots {
		h.slots[i] = make([]int64, n)
	}
	return h
}

func (h *History) Scratch() []int64 {
	return h.slots[h.scratch]
}

func (h *History) Previous() []int64 {
	return h.slots[h.previous]
}

func (h *History) Previous2() []int64 {
	return h.slots[h.previous2]
}

// CommitIntra makes the scratch frame both history entries.
func (h *History) CommitIntra() {
	h.previous = h.scratch
	h.previous2 = h.scratch
	h.scratch = h.free()
}

// CommitInter shifts the scratch frame into history.
func (h *History) CommitInter() {
	h.previous2 = h.previous
	h.previous = h.scratch
	h.scratch = h.free()
}

// Reset zeroes every slot.
func (h *History) Reset() {
	for _, s := range h.slots {
		for i := range s {
			s[i] = 0
		}
	}
	h.scratch, h.previous, h.previous2 = 0, 1, 2
}

func (h *History) free() int {
	for i := range h.slots {
		if i != h.previous && i != h.previous2 {
			return i
		}
	}
	return 0
}
