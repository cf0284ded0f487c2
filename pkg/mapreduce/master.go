package mapreduce

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/rpc"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paulniziolek/durable-mapreduce/pkg/mapreduce/lease"
	"github.com/paulniziolek/durable-mapreduce/pkg/mapreduce/ledger"
	"github.com/paulniziolek/durable-mapreduce/pkg/mapreduce/task"
	"github.com/paulniziolek/durable-mapreduce/pkg/mapreduce/wal"
)

var (
	errNoWorkerID = errors.New("mapreduce: request without worker id")
	errClosed     = errors.New("mapreduce: master closed")
)

// Master is the coordinator. All scheduling state sits behind mu, and every
// state change reaches the write-ahead log before mu is released.
type Master struct {
	cfg Config

	mu      sync.Mutex
	log     *wal.Log
	ledger  *ledger.Ledger
	sched   *scheduler
	workers map[string]time.Time // last seen
	started bool
	closed  bool

	now    func() time.Time
	fatalf func(format string, v ...any)

	listener net.Listener
	server   *http.Server
}

// NewMaster opens the log, replays it into a fresh ledger and reverts any
// task that was in flight. It does not listen for RPCs yet.
func NewMaster(cfg Config) (*Master, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	wlog, err := wal.Open(cfg.WALPath, wal.Options{NoSync: cfg.NoSync})
	if err != nil {
		return nil, err
	}

	l := ledger.New(wlog, cfg.InputFiles(), cfg.NReduce)
	replayed := 0
	for rec, err := range wlog.Replay() {
		if err != nil {
			wlog.Close()
			return nil, fmt.Errorf("mapreduce: replay %s: %w", cfg.WALPath, err)
		}
		if err := l.Apply(rec); err != nil {
			wlog.Close()
			return nil, err
		}
		replayed++
	}

	m := &Master{
		cfg:     cfg,
		log:     wlog,
		ledger:  l,
		workers: make(map[string]time.Time),
		started: replayed > 0 || cfg.Workers == 0,
		now:     time.Now,
		fatalf:  log.Fatalf,
	}
	m.sched = newScheduler(l, lease.NewManager(cfg.LeaseDuration))
	if err := m.sched.recoverInProgress(m.now()); err != nil {
		wlog.Close()
		return nil, err
	}

	log.Printf("[Recovery] replayed %d records from %s, phase %s", replayed, cfg.WALPath, m.sched.phase)
	log.Printf("[Master] %d map tasks, %d reduce tasks, %d workers, lease %v",
		l.Count(task.Map), l.Count(task.Reduce), cfg.Workers, cfg.LeaseDuration)
	return m, nil
}

// MakeMaster creates a Master and starts serving RPCs.
func MakeMaster(cfg Config) (*Master, error) {
	m, err := NewMaster(cfg)
	if err != nil {
		return nil, err
	}
	if err := m.Serve(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// Serve starts a goroutine that answers worker RPCs.
func (m *Master) Serve() error {
	srv := rpc.NewServer()
	if err := srv.RegisterName("Master", m); err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle(rpc.DefaultRPCPath, srv)

	if m.cfg.Network == "unix" {
		os.Remove(m.cfg.Address)
	}
	l, err := net.Listen(m.cfg.Network, m.cfg.Address)
	if err != nil {
		return fmt.Errorf("mapreduce: listen %s %s: %w", m.cfg.Network, m.cfg.Address, err)
	}

	m.listener = l
	m.server = &http.Server{Handler: mux}
	go m.server.Serve(l)
	log.Printf("[Master] serving on %s %s", m.cfg.Network, l.Addr())
	return nil
}

// Addr is the address the Master listens on, empty before Serve.
func (m *Master) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// touch records that workerID is alive. Caller holds mu.
func (m *Master) touch(workerID string, now time.Time) {
	if workerID == "" {
		return
	}
	if _, ok := m.workers[workerID]; !ok {
		log.Printf("[Register] worker %s connected, %d known", workerID, len(m.workers)+1)
	}
	m.workers[workerID] = now
}

// fail hands a storage failure to the fatal hook. The in-memory state may no
// longer match the log, so the process must not keep serving.
func (m *Master) fail(err error) error {
	m.fatalf("[Fatal] %v", err)
	return err
}

func (m *Master) Register(args *RegisterRequest, reply *RegisterReply) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errClosed
	}

	id := args.WorkerID
	if id == "" {
		id = uuid.NewString()
	}
	m.touch(id, m.now())

	reply.WorkerID = id
	reply.NMap = m.ledger.Count(task.Map)
	reply.NReduce = m.ledger.Count(task.Reduce)
	return nil
}

func (m *Master) GetTask(args *GetTaskRequest, reply *GetTaskResponse) error {
	if args.WorkerID == "" {
		return errNoWorkerID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errClosed
	}
	now := m.now()
	m.touch(args.WorkerID, now)

	reply.NMap = m.ledger.Count(task.Map)
	reply.NReduce = m.ledger.Count(task.Reduce)
	reply.LeaseDuration = m.cfg.LeaseDuration

	if !m.started {
		if len(m.workers) < m.cfg.Workers {
			debug("[Preparation] %d of %d workers connected, worker %s waits", len(m.workers), m.cfg.Workers, args.WorkerID)
			reply.Type = task.Wait
			return nil
		}
		log.Printf("[Preparation] all %d workers connected, map phase begins", m.cfg.Workers)
		m.started = true
	}

	a, err := m.sched.next(args.WorkerID, now)
	if err != nil {
		return m.fail(err)
	}

	reply.Type = a.Type
	if a.Type.IsWork() {
		t := a.Task
		reply.Task = &t
		log.Printf("[%s] assigned %v to worker %s until %v", phaseTag(t.ID.Type), t.ID, args.WorkerID, t.Deadline.Format(time.TimeOnly))
	}
	return nil
}

func (m *Master) ReportTask(args *ReportTaskRequest, reply *ReportTaskReply) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errClosed
	}

	now := m.now()
	m.touch(args.WorkerID, now)

	err := m.sched.complete(args.WorkerID, args.TaskID, args.Attempt, args.Outputs, now)
	switch {
	case err == nil:
		reply.Status = StatusAck
		log.Printf("[%s] %v completed by worker %s", phaseTag(args.TaskID.Type), args.TaskID, args.WorkerID)
	case errors.Is(err, ledger.ErrStateConflict), errors.Is(err, ledger.ErrUnknownTask):
		reply.Status = StatusRejected
		reply.Reason = err.Error()
		log.Printf("[%s] rejected report from worker %s: %v", phaseTag(args.TaskID.Type), args.WorkerID, err)
	default:
		return m.fail(err)
	}
	return nil
}

func (m *Master) Heartbeat(args *HeartbeatRequest, reply *HeartbeatReply) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errClosed
	}

	now := m.now()
	m.touch(args.WorkerID, now)

	deadline, err := m.sched.heartbeat(args.WorkerID, args.TaskID, now)
	switch {
	case err == nil:
		reply.Status = StatusRenewed
		reply.Deadline = deadline
	case errors.Is(err, lease.ErrNotOwner):
		reply.Status = StatusNotOwner
		debug("[Lease] heartbeat from %s: %v", args.WorkerID, err)
	default:
		return m.fail(err)
	}
	return nil
}

// main calls Done() periodically to find out if the entire job has
// finished.
func (m *Master) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		if err := m.sched.sweep(m.now()); err != nil {
			m.fail(err)
		}
	}
	return m.sched.done()
}

// Outputs lists the files written by completed reduce tasks.
func (m *Master) Outputs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, t := range m.ledger.Tasks(task.Reduce) {
		out = append(out, t.Outputs...)
	}
	return out
}

// Close stops serving and closes the log. Connections that outlive the
// listener get errClosed from then on.
func (m *Master) Close() error {
	if m.server != nil {
		m.server.Close()
		if m.cfg.Network == "unix" {
			os.Remove(m.cfg.Address)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.log.Close()
}

func phaseTag(t task.TaskType) string {
	if t == task.Reduce {
		return "Reduce"
	}
	return "Map"
}
