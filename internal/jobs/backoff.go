package jobs

import "time"

// Backoff computes retry delays as min(Max, Base * 2^(attempts-1)).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the next run of a job that has made attempts
// attempts. It never decreases as attempts grows and never exceeds Max.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := b.Base
	for i := 1; i < attempts; i++ {
		if d >= b.Max || d > b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	return min(d, b.Max)
}
