package chain

import "sync"

// tracker counts completion reports of n stages. onComplete fires once, the first
// time every index has been reported.
type tracker struct {
	mu         sync.Mutex
	reported   []bool
	count      int
	fired      bool
	onComplete func()
}

func newTracker(n int, onComplete func()) *tracker {
	return &tracker{
		reported:   make([]bool, n),
		onComplete: onComplete,
	}
}

// report marks stage i as done. It returns false for repeated or out-of-range reports.
func (t *tracker) report(i int) bool {
	t.mu.Lock()
	if i < 0 || i >= len(t.reported) || t.reported[i] {
		t.mu.Unlock()
		return false
	}
	t.reported[i] = true
	t.count++

	fire := false
	if t.count >= len(t.reported) && !t.fired && t.allReported() {
		t.fired = true
		fire = true
	}
	t.mu.Unlock()

	if fire {
		t.onComplete()
	}
	return true
}

// allReported re-scans the flags; only called once the count reaches n.
func (t *tracker) allReported() bool {
	for _, ok := range t.reported {
		if !ok {
			return false
		}
	}
	return true
}
