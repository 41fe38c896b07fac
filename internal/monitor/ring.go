package monitor

import "vizmon/internal/models"

// ring is a fixed-size buffer that overwrites the oldest snapshot.
type ring struct {
	buf  []models.UsageSnapshot
	head int
	n    int
}

func newRing(size int) *ring {
	return &ring{buf: make([]models.UsageSnapshot, size)}
}

func (r *ring) push(s models.UsageSnapshot) {
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *ring) last() (models.UsageSnapshot, bool) {
	if r.n == 0 {
		return models.UsageSnapshot{}, false
	}
	i := (r.head - 1 + len(r.buf)) % len(r.buf)
	return r.buf[i], true
}

func (r *ring) items() []models.UsageSnapshot {
	out := make([]models.UsageSnapshot, 0, r.n)
	start := (r.head - r.n + len(r.buf)) % len(r.buf)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
