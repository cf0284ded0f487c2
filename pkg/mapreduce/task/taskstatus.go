package task

type TaskStatus string

const (
	Idle          TaskStatus = "IDLE"
	InProgress    TaskStatus = "IN_PROGRESS"
	Completed     TaskStatus = "COMPLETED"
	UnknownStatus TaskStatus = ""
)
