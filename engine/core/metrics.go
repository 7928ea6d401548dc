package core

import (
	"sync"
	"time"
)

const AVG_COUNT uint8 = 30

// FrameMetrics keeps a rolling average of frame times and of the time the
// CPU spent blocked on fence waits. One instance per frame orchestrator.
type FrameMetrics struct {
	mu sync.Mutex

	frameAVGCounter    uint8
	msTimes            [AVG_COUNT]float64
	msAvg              float64
	frames             int32
	accumulatedFrameMS float64
	fps                float64

	waitTotal time.Duration
	waitCount uint64
	lastWait  time.Duration
}

func NewFrameMetrics() *FrameMetrics {
	return &FrameMetrics{}
}

func (m *FrameMetrics) Update(frameElapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Calculate frame ms average
	frameMS := float64(frameElapsed) / float64(time.Millisecond)
	m.msTimes[m.frameAVGCounter] = frameMS
	if m.frameAVGCounter == AVG_COUNT-1 {
		m.msAvg = 0
		for i := uint8(0); i < AVG_COUNT; i++ {
			m.msAvg += m.msTimes[i]
		}
		m.msAvg /= float64(AVG_COUNT)
	}
	m.frameAVGCounter++
	m.frameAVGCounter %= AVG_COUNT

	// Calculate Frames per second.
	m.accumulatedFrameMS += frameMS
	if m.accumulatedFrameMS > 1000 {
		m.fps = float64(m.frames)
		m.accumulatedFrameMS -= 1000
		m.frames = 0
	}

	// Count all Frames.
	m.frames++
}

// RecordWait accounts time spent blocked on a fence.
func (m *FrameMetrics) RecordWait(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waitTotal += d
	m.waitCount++
	m.lastWait = d
}

func (m *FrameMetrics) FPS() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fps
}

func (m *FrameMetrics) FrameTime() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.msAvg
}

// Waits returns how many fence waits were recorded and their total duration.
func (m *FrameMetrics) Waits() (uint64, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waitCount, m.waitTotal
}

func (m *FrameMetrics) LastWait() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastWait
}
