package mapreduce

import (
	"hash/fnv"
	"log"
)

// Debugging
const debugEnabled = false

func debug(format string, a ...interface{}) {
	if debugEnabled {
		log.Printf(format, a...)
	}
}

type KeyValue struct {
	Key   string
	Value string
}

type (
	MapFunc    func(filename string, contents string) []KeyValue
	ReduceFunc func(key string, values []string) string
)

// ihash(key) % nReduce to split keys across nReduce reduce tasks
func ihash(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() & 0x7fffffff)
}
