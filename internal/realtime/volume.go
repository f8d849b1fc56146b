package realtime

import (
	"math"
	"sync"
)

// SpeakingThreshold is the smoothed level above which the assistant counts as
// speaking.
const SpeakingThreshold = 0.01

const volumeSmoothing = 0.3

// volumeMeter smooths audio levels into a scalar in [0,1].
type volumeMeter struct {
	mu    sync.Mutex
	level float64
}

func (m *volumeMeter) observe(sample float64) float64 {
	if math.IsNaN(sample) {
		sample = 0
	}
	sample = min(max(sample, 0), 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level += (sample - m.level) * volumeSmoothing
	return m.level
}

func (m *volumeMeter) value() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

func (m *volumeMeter) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = 0
}

// levelFromDBov converts an RFC 6464 audio level (0 loudest, 127 silent, in
// -dBov) to linear amplitude.
func levelFromDBov(dbov uint8) float64 {
	if dbov >= 127 {
		return 0
	}
	return math.Pow(10, -float64(dbov)/20)
}
