package sim

import (
	"testing"
)

func TestSchedulerDispatchOrderWithinPriority(t *testing.T) {
	s := NewScheduler(0)
	var fired []int
	s.Schedule(PriorityNormal, 3, func(float64, float64) { fired = append(fired, 3) })
	s.Schedule(PriorityNormal, 1, func(float64, float64) { fired = append(fired, 1) })
	s.Schedule(PriorityNormal, 2, func(float64, float64) { fired = append(fired, 2) })

	s.Update(&Frame{Time: 5})
	if len(fired) != 3 || fired[0] != 1 || fired[1] != 2 || fired[2] != 3 {
		t.Fatalf("expected dispatch in target-time order, got %v", fired)
	}
}

func TestSchedulerPriorityBucketsHighestFirst(t *testing.T) {
	s := NewScheduler(0)
	var fired []Priority
	for _, p := range []Priority{PriorityIdle, PriorityAlways, PriorityLow, PriorityHigh, PriorityNormal} {
		p := p
		s.Schedule(p, 1, func(float64, float64) { fired = append(fired, p) })
	}
	s.Update(&Frame{Time: 1})
	want := []Priority{PriorityAlways, PriorityHigh, PriorityNormal, PriorityLow, PriorityIdle}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("expected bucket order %v, got %v", want, fired)
		}
	}
}

func TestSchedulerHoldsFutureEvents(t *testing.T) {
	s := NewScheduler(0)
	fired := false
	s.Schedule(PriorityNormal, 10, func(float64, float64) { fired = true })
	s.Update(&Frame{Time: 5})
	if fired {
		t.Fatalf("expected a future event to stay queued")
	}
	if s.Len() != 1 {
		t.Fatalf("expected one pending event, got %v", s.Len())
	}
	s.Update(&Frame{Time: 10})
	if !fired {
		t.Fatalf("expected the event to fire once its target time passed")
	}
}

func TestSchedulerReportsTimeDelta(t *testing.T) {
	s := NewScheduler(0)
	s.Update(&Frame{Time: 2}) // establishes the request time

	var gotNow, gotDelta float64
	s.Schedule(PriorityNormal, 4, func(now, delta float64) { gotNow, gotDelta = now, delta })
	s.Update(&Frame{Time: 6})
	if gotNow != 6 {
		t.Fatalf("expected the callback to see the frame time, got %v", gotNow)
	}
	if gotDelta != 4 {
		t.Fatalf("expected delta frame.time-request_time = 4, got %v", gotDelta)
	}
}

func TestSchedulerRescheduleFromCallback(t *testing.T) {
	s := NewScheduler(0)
	runs := 0
	var again func(now, delta float64)
	again = func(now, _ float64) {
		runs++
		if runs < 3 {
			s.Schedule(PriorityNormal, now+1, again)
		}
	}
	s.Schedule(PriorityNormal, 1, again)

	for tick := 1; tick <= 4; tick++ {
		s.Update(&Frame{Time: float64(tick)})
	}
	if runs != 3 {
		t.Fatalf("expected three runs of a self-rescheduling event, got %v", runs)
	}
	if s.Len() != 0 {
		t.Fatalf("expected no pending events, got %v", s.Len())
	}
}

func TestSchedulerPoolsEvents(t *testing.T) {
	s := NewScheduler(0)
	s.Schedule(PriorityNormal, 1, func(float64, float64) {})
	s.Update(&Frame{Time: 1})
	if len(s.free) != 1 {
		t.Fatalf("expected the dispatched event to return to the pool, got %v", len(s.free))
	}
	s.Schedule(PriorityNormal, 2, func(float64, float64) {})
	if len(s.free) != 0 {
		t.Fatalf("expected the pooled event to be reused, got %v", len(s.free))
	}
}

func TestSchedulerImmediateEventScheduledDuringUpdate(t *testing.T) {
	// An event scheduled from a callback with a target at or before the
	// current frame runs within the same frame, in its bucket order.
	s := NewScheduler(0)
	var fired []string
	s.Schedule(PriorityHigh, 1, func(now, _ float64) {
		fired = append(fired, "outer")
		s.Schedule(PriorityNormal, now, func(float64, float64) {
			fired = append(fired, "inner")
		})
	})
	s.Update(&Frame{Time: 1})
	if len(fired) != 2 || fired[0] != "outer" || fired[1] != "inner" {
		t.Fatalf("expected outer then inner, got %v", fired)
	}
}
