package render

import "time"

// spinWindow is how early sleeping stops before the frame deadline.
const spinWindow = 200 * time.Microsecond

// FrameLimiter paces a render loop to a target frame rate.
type FrameLimiter struct {
	next time.Time
	// Limit is in frames per second; zero or less disables pacing.
	Limit int
}

func NewFrameLimiter(limit int) *FrameLimiter {
	return &FrameLimiter{Limit: limit}
}

// Wait blocks until the next frame is due. It sleeps most of the interval
// and spins the rest.
func (f *FrameLimiter) Wait() {
	if f.Limit <= 0 {
		f.next = time.Time{}
		return
	}

	target := time.Second / time.Duration(f.Limit)
	if f.next.IsZero() {
		f.next = time.Now().Add(target)
	} else {
		f.next = f.next.Add(target)
	}

	for {
		remaining := time.Until(f.next)
		if remaining <= 0 {
			break
		}
		if remaining > spinWindow {
			time.Sleep(remaining - spinWindow)
		}
	}

	// Resync after a hitch instead of racing to catch up.
	if late := -time.Until(f.next); late > target {
		f.next = time.Now().Add(target)
	}
}
