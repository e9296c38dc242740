package pipeline

import "sync"

// deployLocks serializes deployments per project. Acquisition never blocks:
// a second trigger while a deployment is running must be rejected, not
// queued.
type deployLocks struct {
	mu     sync.Mutex
	active map[int64]struct{}
}

func newDeployLocks() *deployLocks {
	return &deployLocks{active: make(map[int64]struct{})}
}

// TryAcquire claims the project's slot. It returns false if a deployment is
// already in flight.
func (l *deployLocks) TryAcquire(projectID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.active[projectID]; ok {
		return false
	}
	l.active[projectID] = struct{}{}
	return true
}

// Release frees the project's slot. Releasing an unheld slot is a no-op.
func (l *deployLocks) Release(projectID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, projectID)
}

// Count reports how many deployments are currently in flight.
func (l *deployLocks) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}
