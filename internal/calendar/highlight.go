package calendar

import (
	"sync"
	"time"
)

// HighlightExpiry is how long a highlight stays after its cell scrolls into view.
const HighlightExpiry = 3 * time.Second

// Highlighter owns the single pending highlight-expiry task. Scheduling a new task or
// calling Stop discards the pending one.
type Highlighter struct {
	Delay    time.Duration
	OnExpire func(scheduleID string)

	mu    sync.Mutex
	gen   uint64
	timer *time.Timer
}

// HighlightTask is the handle of one scheduled expiry.
type HighlightTask struct {
	h          *Highlighter
	gen        uint64
	ScheduleID string
}

func NewHighlighter(delay time.Duration, onExpire func(scheduleID string)) *Highlighter {
	return &Highlighter{Delay: delay, OnExpire: onExpire}
}

func (h *Highlighter) Schedule(scheduleID string) *HighlightTask {
	delay := h.Delay
	if delay <= 0 {
		delay = HighlightExpiry
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
	h.gen++
	gen := h.gen
	h.timer = time.AfterFunc(delay, func() {
		h.mu.Lock()
		if h.gen != gen {
			h.mu.Unlock()
			return
		}
		h.timer = nil
		fn := h.OnExpire
		h.mu.Unlock()
		if fn != nil {
			fn(scheduleID)
		}
	})
	return &HighlightTask{h: h, gen: gen, ScheduleID: scheduleID}
}

// Cancel discards the task if it is still the pending one.
func (t *HighlightTask) Cancel() bool {
	if t == nil || t.h == nil {
		return false
	}
	t.h.mu.Lock()
	defer t.h.mu.Unlock()
	if t.h.gen != t.gen || t.h.timer == nil {
		return false
	}
	t.h.stopLocked()
	t.h.gen++
	return true
}

// Pending reports whether an expiry is scheduled and has not fired.
func (h *Highlighter) Pending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timer != nil
}

func (h *Highlighter) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
	h.gen++
}

func (h *Highlighter) stopLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}
