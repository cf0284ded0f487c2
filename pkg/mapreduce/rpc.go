package mapreduce

import (
	"os"
	"strconv"
	"time"

	"github.com/paulniziolek/durable-mapreduce/pkg/mapreduce/task"
)

type RegisterRequest struct {
	WorkerID string
}

type RegisterReply struct {
	WorkerID string
	NMap     int
	NReduce  int
}

type GetTaskRequest struct {
	WorkerID string
}

// GetTaskResponse carries a task when Type is task.Map or task.Reduce, and
// only a signal when Type is task.Wait or task.Exit.
type GetTaskResponse struct {
	Type          task.TaskType
	Task          *task.Task
	NMap          int
	NReduce       int
	LeaseDuration time.Duration
}

type ReportStatus string

const (
	StatusAck      ReportStatus = "ACK"
	StatusRejected ReportStatus = "REJECTED"
)

type ReportTaskRequest struct {
	WorkerID string
	TaskID   task.ID
	Attempt  string
	Outputs  []string
}

type ReportTaskReply struct {
	Status ReportStatus
	Reason string
}

type HeartbeatStatus string

const (
	StatusRenewed  HeartbeatStatus = "RENEWED"
	StatusNotOwner HeartbeatStatus = "NOT_OWNER"
)

type HeartbeatRequest struct {
	WorkerID string
	TaskID   task.ID
}

type HeartbeatReply struct {
	Status   HeartbeatStatus
	Deadline time.Time
}

func masterSock() string {
	s := "/var/tmp/mr-"
	s += strconv.Itoa(os.Getuid())
	return s
}
