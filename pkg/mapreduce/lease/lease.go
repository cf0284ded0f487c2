// Package lease tracks time-bounded claims of workers on tasks. Expiry is
// checked lazily by Sweep; there is no timer goroutine. A Manager is not safe
// for concurrent use.
package lease

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/paulniziolek/durable-mapreduce/pkg/mapreduce/task"
)

var ErrNotOwner = errors.New("lease: caller does not hold the lease")

type Lease struct {
	TaskID   task.ID
	WorkerID string
	Attempt  string
	Deadline time.Time
}

func (l Lease) expired(now time.Time) bool {
	return !now.Before(l.Deadline)
}

type Manager struct {
	duration time.Duration
	leases   map[task.ID]Lease
}

func NewManager(duration time.Duration) *Manager {
	return &Manager{
		duration: duration,
		leases:   make(map[task.ID]Lease),
	}
}

func (m *Manager) Duration() time.Duration {
	return m.duration
}

// Grant gives workerID the lease on id until now+d, replacing any previous
// lease. A non-positive d uses the manager's default duration.
func (m *Manager) Grant(id task.ID, workerID, attempt string, now time.Time, d time.Duration) time.Time {
	if d <= 0 {
		d = m.duration
	}
	deadline := now.Add(d)
	m.leases[id] = Lease{TaskID: id, WorkerID: workerID, Attempt: attempt, Deadline: deadline}
	return deadline
}

// Renew extends the lease by the default duration. Only the current holder
// of a live lease may renew it.
func (m *Manager) Renew(id task.ID, workerID string, now time.Time) (time.Time, error) {
	l, ok := m.leases[id]
	switch {
	case !ok:
		return time.Time{}, fmt.Errorf("%w: no lease on %v", ErrNotOwner, id)
	case l.WorkerID != workerID:
		return time.Time{}, fmt.Errorf("%w: %v is held by %s", ErrNotOwner, id, l.WorkerID)
	case l.expired(now):
		return time.Time{}, fmt.Errorf("%w: lease on %v expired at %v", ErrNotOwner, id, l.Deadline)
	}

	l.Deadline = now.Add(m.duration)
	m.leases[id] = l
	return l.Deadline, nil
}

func (m *Manager) Release(id task.ID) {
	delete(m.leases, id)
}

func (m *Manager) Holder(id task.ID) (Lease, bool) {
	l, ok := m.leases[id]
	return l, ok
}

// HeldBy returns the tasks whose lease belongs to workerID.
func (m *Manager) HeldBy(workerID string) []task.ID {
	var ids []task.ID
	for id, l := range m.leases {
		if l.WorkerID == workerID {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

func (m *Manager) Len() int {
	return len(m.leases)
}

// Sweep drops every lease whose deadline is at or before now and returns the
// affected tasks, map tasks first and then by index.
func (m *Manager) Sweep(now time.Time) []task.ID {
	var expired []task.ID
	for id, l := range m.leases {
		if l.expired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.leases, id)
	}
	sortIDs(expired)
	return expired
}

func sortIDs(ids []task.ID) {
	slices.SortFunc(ids, func(a, b task.ID) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
}
