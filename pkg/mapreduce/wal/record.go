package wal

import (
	"time"

	"github.com/paulniziolek/durable-mapreduce/pkg/mapreduce/task"
)

type Transition string

const (
	Assigned  Transition = "ASSIGNED"
	Completed Transition = "COMPLETED"
	Reverted  Transition = "REVERTED"
)

// Record is one durable state change of one task. Seq is filled in by
// Append and starts at 1.
type Record struct {
	Seq        uint64        `json:"seq"`
	Phase      task.TaskType `json:"phase"`
	Index      int           `json:"index"`
	Transition Transition    `json:"transition"`
	WorkerID   string        `json:"worker_id,omitempty"`
	Attempt    string        `json:"attempt,omitempty"`
	Outputs    []string      `json:"outputs,omitempty"`
	Timestamp  time.Time     `json:"ts"`
}

func (r Record) TaskID() task.ID {
	return task.ID{Type: r.Phase, Index: r.Index}
}
