package mapreduce

import (
	"log"
	"time"

	"github.com/paulniziolek/durable-mapreduce/pkg/mapreduce/lease"
	"github.com/paulniziolek/durable-mapreduce/pkg/mapreduce/ledger"
	"github.com/paulniziolek/durable-mapreduce/pkg/mapreduce/task"
)

type jobPhase string

const (
	mapPhase    jobPhase = "map"
	reducePhase jobPhase = "reduce"
	donePhase   jobPhase = "done"
)

type assignment struct {
	Type task.TaskType
	Task task.Task
}

// scheduler decides which task a worker gets next. It owns no lock; the
// Master serializes every call.
type scheduler struct {
	ledger *ledger.Ledger
	leases *lease.Manager
	phase  jobPhase
}

func newScheduler(l *ledger.Ledger, leases *lease.Manager) *scheduler {
	s := &scheduler{ledger: l, leases: leases, phase: mapPhase}
	s.advance()
	return s
}

func (s *scheduler) phaseType() task.TaskType {
	if s.phase == reducePhase {
		return task.Reduce
	}
	return task.Map
}

func (s *scheduler) allCompleted(typ task.TaskType) bool {
	for _, t := range s.ledger.Tasks(typ) {
		if t.Status != task.Completed {
			return false
		}
	}
	return true
}

// advance moves the job forward past every phase whose tasks are all done.
func (s *scheduler) advance() {
	if s.phase == mapPhase && s.allCompleted(task.Map) {
		log.Printf("[Map] all %d map tasks completed, reduce phase begins", s.ledger.Count(task.Map))
		s.phase = reducePhase
	}
	if s.phase == reducePhase && s.allCompleted(task.Reduce) {
		log.Printf("[Reduce] all %d reduce tasks completed, job is done", s.ledger.Count(task.Reduce))
		s.phase = donePhase
	}
}

// sweep returns the tasks of expired leases to the pool.
func (s *scheduler) sweep(now time.Time) error {
	for _, id := range s.leases.Sweep(now) {
		log.Printf("[Lease] lease on %v expired, task is assignable again", id)
		if err := s.ledger.RevertToIdle(id, now); err != nil {
			return err
		}
	}
	return nil
}

// release drops the leases workerID still holds. A worker asking for work has
// given up whatever it was doing.
func (s *scheduler) release(workerID string, now time.Time) error {
	for _, id := range s.leases.HeldBy(workerID) {
		log.Printf("[Lease] worker %s abandoned %v", workerID, id)
		s.leases.Release(id)
		if err := s.ledger.RevertToIdle(id, now); err != nil {
			return err
		}
	}
	return nil
}

// next hands workerID the lowest-indexed Idle task of the current phase, or
// tells it to wait or exit.
func (s *scheduler) next(workerID string, now time.Time) (assignment, error) {
	if err := s.sweep(now); err != nil {
		return assignment{}, err
	}
	if err := s.release(workerID, now); err != nil {
		return assignment{}, err
	}

	for s.phase != donePhase {
		typ := s.phaseType()
		busy := false
		for _, t := range s.ledger.Tasks(typ) {
			switch t.Status {
			case task.Idle:
				assigned, err := s.ledger.TryAssign(t.ID, workerID, now)
				if err != nil {
					return assignment{}, err
				}
				assigned.Deadline = s.leases.Grant(t.ID, workerID, assigned.Attempt, now, 0)
				s.ledger.SetDeadline(t.ID, assigned.Deadline)
				return assignment{Type: typ, Task: assigned}, nil
			case task.InProgress:
				busy = true
			}
		}
		if busy {
			return assignment{Type: task.Wait}, nil
		}
		s.advance()
	}
	return assignment{Type: task.Exit}, nil
}

// complete records a finished attempt. Stale or duplicate reports surface as
// ledger.ErrStateConflict and change nothing.
func (s *scheduler) complete(workerID string, id task.ID, attempt string, outputs []string, now time.Time) error {
	if err := s.sweep(now); err != nil {
		return err
	}
	if err := s.ledger.MarkCompleted(id, workerID, attempt, outputs, now); err != nil {
		return err
	}
	if l, ok := s.leases.Holder(id); ok && l.Attempt == attempt {
		s.leases.Release(id)
	}
	s.advance()
	return nil
}

func (s *scheduler) heartbeat(workerID string, id task.ID, now time.Time) (time.Time, error) {
	if err := s.sweep(now); err != nil {
		return time.Time{}, err
	}
	deadline, err := s.leases.Renew(id, workerID, now)
	if err != nil {
		return time.Time{}, err
	}
	s.ledger.SetDeadline(id, deadline)
	return deadline, nil
}

// recoverInProgress reverts every task that was in flight when the log was
// written. Leases do not survive a restart, so none of them can be trusted.
func (s *scheduler) recoverInProgress(now time.Time) error {
	for _, t := range s.ledger.Snapshot() {
		if t.Status != task.InProgress {
			continue
		}
		log.Printf("[Recovery] %v was held by %s before restart, returning it to the pool", t.ID, t.WorkerID)
		if err := s.ledger.RevertToIdle(t.ID, now); err != nil {
			return err
		}
	}
	s.advance()
	return nil
}

func (s *scheduler) done() bool {
	return s.phase == donePhase
}
