package mapreduce

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/paulniziolek/durable-mapreduce/pkg/mapreduce/task"
)

// ErrTransport is returned once an RPC has used up its retries.
var ErrTransport = errors.New("mapreduce: coordinator unreachable")

const initialBackoff = 100 * time.Millisecond

// Worker requests tasks from the coordinator, runs them one at a time and
// reports the results.
type Worker struct {
	cfg     WorkerConfig
	mapf    MapFunc
	reducef ReduceFunc
	storage Storage
	client  *client

	id string
}

func NewWorker(cfg WorkerConfig, mapf MapFunc, reducef ReduceFunc, storage Storage) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Worker{
		cfg:     cfg,
		mapf:    mapf,
		reducef: reducef,
		storage: storage,
		client:  newClient(cfg.Network, cfg.Address),
	}, nil
}

// ID is the identity the coordinator knows this worker by, set once Run has
// registered.
func (w *Worker) ID() string {
	return w.id
}

// Run loops until the coordinator says the job is finished or ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	defer w.client.Close()

	reg := RegisterReply{}
	if err := w.call(ctx, "Master.Register", &RegisterRequest{WorkerID: w.cfg.ID}, &reg); err != nil {
		return err
	}
	w.id = reg.WorkerID
	log.Printf("[Worker] registered as %s (%d map, %d reduce tasks)", w.id, reg.NMap, reg.NReduce)

	for {
		reply := GetTaskResponse{}
		if err := w.call(ctx, "Master.GetTask", &GetTaskRequest{WorkerID: w.id}, &reply); err != nil {
			return err
		}

		switch reply.Type {
		case task.Exit:
			log.Printf("[Worker] %s: job finished, exiting", w.id)
			return nil
		case task.Map, task.Reduce:
			if reply.Task == nil {
				log.Printf("[Worker] %s: %s reply without a task", w.id, reply.Type)
				break
			}
			if err := w.runTask(ctx, &reply); err != nil {
				return err
			}
			continue
		case task.Wait:
		default:
			log.Printf("[Worker] %s: unexpected task type %q", w.id, reply.Type)
		}

		if !sleep(ctx, w.cfg.PollInterval) {
			return ctx.Err()
		}
	}
}

func (w *Worker) runTask(ctx context.Context, reply *GetTaskResponse) error {
	t := reply.Task
	log.Printf("[%s] worker %s got %v (%s)", phaseTag(t.ID.Type), w.id, t.ID, t.Input)

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(taskCtx, t.ID, w.heartbeatInterval(reply.LeaseDuration), func() {
			lost.Store(true)
			cancel()
		})
	}()

	var (
		outputs []string
		err     error
	)
	switch t.ID.Type {
	case task.Map:
		outputs, err = w.doMap(taskCtx, t, reply.NReduce)
	case task.Reduce:
		outputs, err = w.doReduce(taskCtx, t, reply.NMap)
	}
	cancel()
	<-hbDone

	if lost.Load() {
		log.Printf("[%s] worker %s lost the lease on %v, dropping its result", phaseTag(t.ID.Type), w.id, t.ID)
		return nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// the lease will run out and the task goes to another worker
		log.Printf("[%s] worker %s failed %v: %v", phaseTag(t.ID.Type), w.id, t.ID, err)
		return nil
	}

	report := ReportTaskReply{}
	args := &ReportTaskRequest{WorkerID: w.id, TaskID: t.ID, Attempt: t.Attempt, Outputs: outputs}
	if err := w.call(ctx, "Master.ReportTask", args, &report); err != nil {
		return err
	}
	if report.Status != StatusAck {
		log.Printf("[%s] report of %v rejected: %s", phaseTag(t.ID.Type), t.ID, report.Reason)
	}
	return nil
}

func (w *Worker) heartbeatInterval(lease time.Duration) time.Duration {
	if w.cfg.HeartbeatInterval > 0 {
		return w.cfg.HeartbeatInterval
	}
	if lease <= 0 {
		lease = TaskTimeout
	}
	return lease / 3
}

// heartbeat renews the lease on id every interval until ctx ends. A
// NOT_OWNER answer calls lost and stops.
func (w *Worker) heartbeat(ctx context.Context, id task.ID, interval time.Duration, lost func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		reply := HeartbeatReply{}
		err := w.client.call(ctx, "Master.Heartbeat", &HeartbeatRequest{WorkerID: w.id, TaskID: id}, &reply)
		if err != nil {
			// a missed beat is fine; the next one may get through
			debug("[Lease] heartbeat for %v failed: %v", id, err)
			continue
		}
		if reply.Status == StatusNotOwner {
			lost()
			return
		}
	}
}

// call retries an RPC with exponential backoff. With MaxRetries zero it keeps
// trying until the coordinator answers or ctx ends.
func (w *Worker) call(ctx context.Context, method string, args interface{}, reply interface{}) error {
	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		err := w.client.call(ctx, method, args, reply)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if w.cfg.MaxRetries > 0 && attempt >= w.cfg.MaxRetries {
			return fmt.Errorf("%w: %s: %w", ErrTransport, method, err)
		}

		log.Printf("[RPC] %s failed (attempt %d): %v, retrying in %v", method, attempt, err, backoff)
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = min(backoff*2, w.cfg.MaxBackoff)
	}
}

func (w *Worker) doMap(ctx context.Context, t *task.Task, nReduce int) ([]string, error) {
	filename := t.Input
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("cannot read %v: %w", filename, err)
	}

	kva := w.mapf(filename, string(content))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buckets := createKVBuckets(kva, nReduce)
	outputs := make([]string, nReduce)
	for i, bucket := range buckets {
		name, err := w.storage.WriteIntermediate(t.ID.Index, i, bucket)
		if err != nil {
			return nil, err
		}
		outputs[i] = name
	}
	return outputs, nil
}

func createKVBuckets(kva []KeyValue, nReduce int) [][]KeyValue {
	buckets := make([][]KeyValue, nReduce)
	for _, kv := range kva {
		bucket := ihash(kv.Key) % nReduce
		buckets[bucket] = append(buckets[bucket], kv)
	}
	return buckets
}

func (w *Worker) doReduce(ctx context.Context, t *task.Task, nMap int) ([]string, error) {
	bucket := t.ID.Index

	var kva []KeyValue
	for m := 0; m < nMap; m++ {
		kvs, err := w.storage.ReadIntermediate(m, bucket)
		if err != nil {
			return nil, err
		}
		kva = append(kva, kvs...)
	}
	sort.SliceStable(kva, func(i, j int) bool { return kva[i].Key < kva[j].Key })

	var out []KeyValue
	for i := 0; i < len(kva); {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		j := i + 1
		for j < len(kva) && kva[j].Key == kva[i].Key {
			j++
		}
		values := make([]string, 0, j-i)
		for k := i; k < j; k++ {
			values = append(values, kva[k].Value)
		}
		out = append(out, KeyValue{Key: kva[i].Key, Value: w.reducef(kva[i].Key, values)})
		i = j
	}

	name, err := w.storage.WriteOutput(bucket, out)
	if err != nil {
		return nil, err
	}
	return []string{name}, nil
}

// sleep waits for d, reporting false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
