package dashboard

import (
	"time"

	"doorwatch/timers"
)

// WakeDetector notices wall-clock jumps between ticks, which is what a
// system sleep/resume looks like from inside the process.
type WakeDetector struct {
	reg      *timers.Registry
	interval time.Duration
	onWake   func(gap time.Duration)

	last   time.Time
	handle timers.Handle
	wakes  int
}

// NewWakeDetector checks every interval and calls onWake when more than two
// intervals have elapsed since the previous check.
func NewWakeDetector(reg *timers.Registry, interval time.Duration, onWake func(gap time.Duration)) *WakeDetector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &WakeDetector{reg: reg, interval: interval, onWake: onWake}
}

// Start begins checking. Calling Start twice restarts the detector.
func (w *WakeDetector) Start() {
	w.Stop()
	w.last = w.reg.Now()
	w.handle = w.reg.Every(w.interval, w.check)
}

// Stop halts checking.
func (w *WakeDetector) Stop() {
	if w.handle != 0 {
		w.reg.Cancel(w.handle)
		w.handle = 0
	}
}

// Wakes returns how many resumes were detected.
func (w *WakeDetector) Wakes() int { return w.wakes }

func (w *WakeDetector) check() {
	now := w.reg.Now()
	gap := now.Sub(w.last)
	w.last = now
	if gap > 2*w.interval {
		w.wakes++
		if w.onWake != nil {
			w.onWake(gap)
		}
	}
}
