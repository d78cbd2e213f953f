package health

import (
	"sync"

	"github.com/aristath/strategos/internal/domain"
)

// floatRing is a fixed-capacity ring of response-time samples. Not
// goroutine-safe; the monitor serializes access under its own mutex.
type floatRing struct {
	buf  []float64
	next int
	full bool
}

func newFloatRing(capacity int) *floatRing {
	return &floatRing{buf: make([]float64, capacity)}
}

func (r *floatRing) push(v float64) {
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// values returns the samples oldest first.
func (r *floatRing) values() []float64 {
	if !r.full {
		out := make([]float64, r.next)
		copy(out, r.buf[:r.next])
		return out
	}

	out := make([]float64, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// last returns up to n of the most recent samples, oldest first.
func (r *floatRing) last(n int) []float64 {
	all := r.values()
	if len(all) <= n {
		return all
	}
	return all[len(all)-n:]
}

// boolRing is a fixed-capacity ring of success/failure outcomes. Not
// goroutine-safe; the monitor serializes access under its own mutex.
type boolRing struct {
	buf  []bool
	next int
	full bool
}

func newBoolRing(capacity int) *boolRing {
	return &boolRing{buf: make([]bool, capacity)}
}

func (r *boolRing) push(v bool) {
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// size returns how many outcomes have been recorded, capped at capacity.
func (r *boolRing) size() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// values returns the outcomes oldest first.
func (r *boolRing) values() []bool {
	if !r.full {
		out := make([]bool, r.next)
		copy(out, r.buf[:r.next])
		return out
	}

	out := make([]bool, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// rate returns the success fraction over the last window outcomes, or over
// everything recorded when window is 0. An empty ring reports 1.0 so a
// freshly tracked broker is not penalized before its first probe.
func (r *boolRing) rate(window int) float64 {
	all := r.values()
	if window > 0 && len(all) > window {
		all = all[len(all)-window:]
	}
	if len(all) == 0 {
		return 1.0
	}

	ok := 0
	for _, v := range all {
		if v {
			ok++
		}
	}
	return float64(ok) / float64(len(all))
}

// alertRing keeps the most recent health alerts. Goroutine-safe because
// alerts are raised from probe goroutines and router calls concurrently.
type alertRing struct {
	mu      sync.Mutex
	entries []domain.HealthAlert
	next    int
	full    bool
}

func newAlertRing(capacity int) *alertRing {
	return &alertRing{entries: make([]domain.HealthAlert, capacity)}
}

func (r *alertRing) add(alert domain.HealthAlert) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = alert
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// snapshot returns the alerts oldest first.
func (r *alertRing) snapshot() []domain.HealthAlert {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]domain.HealthAlert, r.next)
		copy(out, r.entries[:r.next])
		return out
	}

	out := make([]domain.HealthAlert, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}
