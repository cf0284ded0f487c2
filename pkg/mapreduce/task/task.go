package task

import (
	"fmt"
	"time"
)

// ID identifies a task by phase and index. Map indexes run over [0, nMap),
// reduce indexes over [0, nReduce).
type ID struct {
	Type  TaskType
	Index int
}

func MapID(i int) ID    { return ID{Type: Map, Index: i} }
func ReduceID(i int) ID { return ID{Type: Reduce, Index: i} }

func (id ID) String() string {
	return fmt.Sprintf("%s-%d", id.Type, id.Index)
}

// Less orders map tasks before reduce tasks, then by index.
func (id ID) Less(o ID) bool {
	if id.Type != o.Type {
		return id.Type == Map
	}
	return id.Index < o.Index
}

type Task struct {
	ID     ID
	Status TaskStatus

	// Input is the input file for a map task, or the bucket number for a
	// reduce task.
	Input string

	// WorkerID and Attempt name the current holder while InProgress and
	// the attempt that finished the task once Completed.
	WorkerID string
	Attempt  string
	Deadline time.Time // lease deadline, InProgress only

	Outputs     []string
	LastUpdated time.Time
}

// Clone returns a copy that shares no slices with t.
func (t *Task) Clone() Task {
	c := *t
	if t.Outputs != nil {
		c.Outputs = append([]string(nil), t.Outputs...)
	}
	return c
}
