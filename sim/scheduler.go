package sim

import (
	"sort"
	"time"
)

// Priority classes for scheduled events. Buckets are processed from
// PriorityAlways down to PriorityIdle each frame.
type Priority uint8

const (
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityAlways

	priorityCount
)

// EventCallback is invoked when a scheduled event fires. now is the frame
// time and delta the game time passed since the event was requested.
type EventCallback func(now, delta float64)

// schedulerEvent is a pooled scheduler entry. After dispatch the object
// returns to the free list before its callback runs, so an event that
// re-schedules itself from within the callback typically reuses the object.
type schedulerEvent struct {
	priority    Priority
	requestTime float64
	targetTime  float64
	callback    EventCallback
}

// Scheduler is a bucketed priority queue of timed events. Events within a
// priority class dispatch in non-decreasing target-time order. A per-frame
// wall-clock budget may terminate processing early between buckets, never
// mid-bucket, so that a class is not starved halfway.
type Scheduler struct {
	buckets [priorityCount][]*schedulerEvent
	free    []*schedulerEvent

	budget  time.Duration
	nowWall func() time.Time

	time float64
}

// NewScheduler creates a scheduler with the per-frame wall-clock budget
// passed. A zero budget disables early termination.
func NewScheduler(budget time.Duration) *Scheduler {
	return &Scheduler{budget: budget, nowWall: time.Now}
}

// Schedule enqueues a callback to fire once the frame time reaches
// targetTime. The request time is the time of the last Update call.
func (s *Scheduler) Schedule(p Priority, targetTime float64, cb EventCallback) {
	if p >= priorityCount {
		p = PriorityAlways
	}
	ev := s.alloc()
	ev.priority = p
	ev.requestTime = s.time
	ev.targetTime = targetTime
	ev.callback = cb

	bucket := s.buckets[p]
	i := sort.Search(len(bucket), func(i int) bool {
		return bucket[i].targetTime > targetTime
	})
	bucket = append(bucket, nil)
	copy(bucket[i+1:], bucket[i:])
	bucket[i] = ev
	s.buckets[p] = bucket
}

// Len returns the number of pending events across all buckets.
func (s *Scheduler) Len() int {
	n := 0
	for _, b := range s.buckets {
		n += len(b)
	}
	return n
}

// Update dispatches all events due at the frame time, highest priority bucket
// first.
func (s *Scheduler) Update(frame *Frame) {
	s.time = frame.Time
	start := s.nowWall()

	for p := int(PriorityAlways); p >= int(PriorityIdle); p-- {
		for {
			bucket := s.buckets[p]
			if len(bucket) == 0 || bucket[0].targetTime > frame.Time {
				break
			}
			ev := bucket[0]
			bucket[0] = nil
			s.buckets[p] = bucket[1:]

			cb := ev.callback
			delta := frame.Time - ev.requestTime
			s.release(ev)
			cb(frame.Time, delta)
		}
		if s.budget > 0 && s.nowWall().Sub(start) > s.budget {
			return
		}
	}
}

func (s *Scheduler) alloc() *schedulerEvent {
	if n := len(s.free); n > 0 {
		ev := s.free[n-1]
		s.free[n-1] = nil
		s.free = s.free[:n-1]
		return ev
	}
	return &schedulerEvent{}
}

func (s *Scheduler) release(ev *schedulerEvent) {
	ev.callback = nil
	s.free = append(s.free, ev)
}
