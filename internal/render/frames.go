package render

import (
	"iter"
	"math"

	"framefarm/internal/pkg/errors"
)

// FrameTask is one unit of work. Attempt starts at 1 and grows each time
// the frame is handed out again after its session was lost.
type FrameTask struct {
	Frame   int
	Attempt int
}

// FrameSequence is the ordered, finite set of frames of a job.
type FrameSequence struct {
	start, end int
}

// DefaultMaxFrames caps the frame count of a single job when no other
// limit is configured.
const DefaultMaxFrames = 10_000

// CheckRange validates [start, end). The range must be non-empty, its
// length must fit in an int, and when maxFrames is positive it may hold at
// most maxFrames frames.
func CheckRange(start, end, maxFrames int) error {
	if end <= start {
		return errors.InvalidRange(start, end)
	}
	// end > start, so a negative difference means it wrapped.
	n := end - start
	if n < 0 {
		return errors.RangeTooLarge(start, end, math.MaxInt)
	}
	if maxFrames > 0 && n > maxFrames {
		return errors.RangeTooLarge(start, end, maxFrames)
	}
	return nil
}

// NewFrameSequence returns the frames of [start, end), holding at most
// maxFrames frames (DefaultMaxFrames when maxFrames is not positive).
func NewFrameSequence(start, end, maxFrames int) (*FrameSequence, error) {
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	if err := CheckRange(start, end, maxFrames); err != nil {
		return nil, err
	}
	return &FrameSequence{start: start, end: end}, nil
}

// Len is the number of frames in the sequence.
func (s *FrameSequence) Len() int { return s.end - s.start }

// All yields one first-attempt task per frame in ascending order. Each
// call starts over from the first frame.
func (s *FrameSequence) All() iter.Seq[FrameTask] {
	return func(yield func(FrameTask) bool) {
		for f := s.start; f < s.end; f++ {
			if !yield(FrameTask{Frame: f, Attempt: 1}) {
				return
			}
		}
	}
}

// Frames returns the absolute frame numbers in ascending order.
func (s *FrameSequence) Frames() []int {
	out := make([]int, 0, s.Len())
	for t := range s.All() {
		out = append(out, t.Frame)
	}
	return out
}
