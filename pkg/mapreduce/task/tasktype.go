package task

type TaskType string

const (
	Map    TaskType = "MAP"
	Reduce TaskType = "REDUCE"

	// pseudo-task types, only ever sent in GetTask replies
	Wait TaskType = "WAIT"
	Exit TaskType = "EXIT"

	UnknownType TaskType = ""
)

// IsWork reports whether t names a real task phase rather than a signal.
func (t TaskType) IsWork() bool {
	return t == Map || t == Reduce
}
