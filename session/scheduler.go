package session

import (
	"time"

	"github.com/openalpha/tradesim/lesson"
)

// scheduler owns the scripted timeline timers of one session. All methods
// run inside the session actor; timer callbacks re-enter through fire,
// which posts back into the actor's mailbox.
type scriptEntry struct {
	step  lesson.Step
	fired bool
	timer *time.Timer
}

type scheduler struct {
	entries []*scriptEntry
	elapsed time.Duration
}

func newScheduler(steps []lesson.Step) *scheduler {
	s := &scheduler{entries: make([]*scriptEntry, 0, len(steps))}
	for _, step := range steps {
		s.entries = append(s.entries, &scriptEntry{step: step})
	}
	return s
}

// arm schedules every unfired entry at its residual offset. Entries whose
// offset has already elapsed fire immediately, in script order. fire runs
// in the timer goroutine and must re-enter the actor, where the entry's
// fired flag guards against replay by a stale timer.
func (s *scheduler) arm(fire func(*scriptEntry)) {
	for _, e := range s.entries {
		if e.fired {
			continue
		}
		entry := e
		delay := entry.step.Offset() - s.elapsed
		if delay < 0 {
			delay = 0
		}
		entry.timer = time.AfterFunc(delay, func() { fire(entry) })
	}
}

// pause stops all pending timers and accrues the elapsed run time so a
// later arm uses residual offsets.
func (s *scheduler) pause(ran time.Duration) {
	s.elapsed += ran
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}

// stop halts every timer permanently.
func (s *scheduler) stop() {
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.fired = true
	}
}

// pendingCount returns the number of commands still scheduled.
func (s *scheduler) pendingCount() int {
	n := 0
	for _, e := range s.entries {
		if !e.fired {
			n++
		}
	}
	return n
}
