// Package ledger holds the authoritative state of every map and reduce task.
//
// Every mutation is appended to the write-ahead log before it touches
// memory, so the in-memory table is only ever a cache of the log. A Ledger is
// not safe for concurrent use; the coordinator serializes access to it.
package ledger

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/paulniziolek/durable-mapreduce/pkg/mapreduce/task"
	"github.com/paulniziolek/durable-mapreduce/pkg/mapreduce/wal"
)

var (
	ErrStateConflict = errors.New("ledger: state conflict")
	ErrUnknownTask   = errors.New("ledger: unknown task")
)

// Log is the durable side of the ledger.
type Log interface {
	Append(rec wal.Record) (uint64, error)
}

type Ledger struct {
	log         Log
	mapTasks    []*task.Task
	reduceTasks []*task.Task

	// NewAttempt mints attempt tokens. Tests replace it for stable values.
	NewAttempt func() string
}

// New creates a ledger with one Idle map task per input and nReduce Idle
// reduce tasks.
func New(log Log, inputs []string, nReduce int) *Ledger {
	l := &Ledger{
		log:         log,
		mapTasks:    make([]*task.Task, len(inputs)),
		reduceTasks: make([]*task.Task, nReduce),
		NewAttempt:  uuid.NewString,
	}
	for i, in := range inputs {
		l.mapTasks[i] = &task.Task{ID: task.MapID(i), Status: task.Idle, Input: in}
	}
	for i := range l.reduceTasks {
		l.reduceTasks[i] = &task.Task{ID: task.ReduceID(i), Status: task.Idle, Input: strconv.Itoa(i)}
	}
	return l
}

func (l *Ledger) lookup(id task.ID) (*task.Task, error) {
	var tasks []*task.Task
	switch id.Type {
	case task.Map:
		tasks = l.mapTasks
	case task.Reduce:
		tasks = l.reduceTasks
	}
	if id.Index < 0 || id.Index >= len(tasks) {
		return nil, fmt.Errorf("%w: %v", ErrUnknownTask, id)
	}
	return tasks[id.Index], nil
}

func (l *Ledger) Get(id task.ID) (task.Task, error) {
	t, err := l.lookup(id)
	if err != nil {
		return task.Task{}, err
	}
	return t.Clone(), nil
}

// Count returns the number of tasks of the given type.
func (l *Ledger) Count(typ task.TaskType) int {
	if typ == task.Map {
		return len(l.mapTasks)
	}
	if typ == task.Reduce {
		return len(l.reduceTasks)
	}
	return 0
}

// Tasks returns copies of all tasks of the given type in index order.
func (l *Ledger) Tasks(typ task.TaskType) []task.Task {
	src := l.reduceTasks
	if typ == task.Map {
		src = l.mapTasks
	}
	out := make([]task.Task, len(src))
	for i, t := range src {
		out[i] = t.Clone()
	}
	return out
}

// Snapshot returns every task, map tasks first.
func (l *Ledger) Snapshot() []task.Task {
	return append(l.Tasks(task.Map), l.Tasks(task.Reduce)...)
}

// stamp drops the monotonic reading and zone so that a timestamp read back
// from the log compares equal to the one that was written.
func stamp(t time.Time) time.Time {
	return t.Round(0).UTC()
}

func (l *Ledger) append(rec wal.Record) error {
	if _, err := l.log.Append(rec); err != nil {
		return fmt.Errorf("ledger: log %s %v: %w", rec.Transition, rec.TaskID(), err)
	}
	return nil
}

// TryAssign moves an Idle task to InProgress under workerID with a fresh
// attempt token.
func (l *Ledger) TryAssign(id task.ID, workerID string, now time.Time) (task.Task, error) {
	now = stamp(now)
	t, err := l.lookup(id)
	if err != nil {
		return task.Task{}, err
	}
	if t.Status != task.Idle {
		return task.Task{}, fmt.Errorf("%w: assign %v in state %s", ErrStateConflict, id, t.Status)
	}

	attempt := l.NewAttempt()
	err = l.append(wal.Record{
		Phase:      id.Type,
		Index:      id.Index,
		Transition: wal.Assigned,
		WorkerID:   workerID,
		Attempt:    attempt,
		Timestamp:  now,
	})
	if err != nil {
		return task.Task{}, err
	}

	t.Status = task.InProgress
	t.WorkerID = workerID
	t.Attempt = attempt
	t.LastUpdated = now
	return t.Clone(), nil
}

// MarkCompleted records a successful attempt. A repeated report of the
// attempt that already completed the task is accepted without effect; any
// other report for a task not held by (workerID, attempt) is a conflict.
func (l *Ledger) MarkCompleted(id task.ID, workerID, attempt string, outputs []string, now time.Time) error {
	now = stamp(now)
	t, err := l.lookup(id)
	if err != nil {
		return err
	}

	switch {
	case t.Status == task.Completed && t.WorkerID == workerID && t.Attempt == attempt:
		return nil
	case t.Status != task.InProgress:
		return fmt.Errorf("%w: complete %v in state %s", ErrStateConflict, id, t.Status)
	case t.WorkerID != workerID || t.Attempt != attempt:
		return fmt.Errorf("%w: complete %v by %s, held by %s", ErrStateConflict, id, workerID, t.WorkerID)
	}

	err = l.append(wal.Record{
		Phase:      id.Type,
		Index:      id.Index,
		Transition: wal.Completed,
		WorkerID:   workerID,
		Attempt:    attempt,
		Outputs:    outputs,
		Timestamp:  now,
	})
	if err != nil {
		return err
	}

	t.Status = task.Completed
	t.Outputs = append([]string(nil), outputs...)
	t.Deadline = time.Time{}
	t.LastUpdated = now
	return nil
}

// RevertToIdle returns an InProgress task to the assignable pool. Idle and
// Completed tasks are left alone.
func (l *Ledger) RevertToIdle(id task.ID, now time.Time) error {
	now = stamp(now)
	t, err := l.lookup(id)
	if err != nil {
		return err
	}
	if t.Status != task.InProgress {
		return nil
	}

	err = l.append(wal.Record{
		Phase:      id.Type,
		Index:      id.Index,
		Transition: wal.Reverted,
		WorkerID:   t.WorkerID,
		Attempt:    t.Attempt,
		Timestamp:  now,
	})
	if err != nil {
		return err
	}

	t.Status = task.Idle
	t.WorkerID = ""
	t.Attempt = ""
	t.Deadline = time.Time{}
	t.LastUpdated = now
	return nil
}

// SetDeadline mirrors the lease deadline onto an InProgress task.
func (l *Ledger) SetDeadline(id task.ID, deadline time.Time) {
	if t, err := l.lookup(id); err == nil && t.Status == task.InProgress {
		t.Deadline = deadline
	}
}

// Apply replays one logged transition without logging it again. Completed is
// absorbing, so applying a log a second time leaves the ledger unchanged.
func (l *Ledger) Apply(rec wal.Record) error {
	t, err := l.lookup(rec.TaskID())
	if err != nil {
		return fmt.Errorf("ledger: replay seq %d: %w", rec.Seq, err)
	}
	if t.Status == task.Completed {
		return nil
	}

	switch rec.Transition {
	case wal.Assigned:
		t.Status = task.InProgress
		t.WorkerID = rec.WorkerID
		t.Attempt = rec.Attempt
	case wal.Completed:
		t.Status = task.Completed
		t.WorkerID = rec.WorkerID
		t.Attempt = rec.Attempt
		t.Outputs = append([]string(nil), rec.Outputs...)
	case wal.Reverted:
		t.Status = task.Idle
		t.WorkerID = ""
		t.Attempt = ""
	default:
		return fmt.Errorf("ledger: replay seq %d: unknown transition %q", rec.Seq, rec.Transition)
	}
	t.Deadline = time.Time{}
	t.LastUpdated = stamp(rec.Timestamp)
	return nil
}
