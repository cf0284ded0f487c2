package mapreduce

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("mapreduce: invalid config")

const (
	// TaskTimeout is the default lease a worker gets on a task before the
	// task is handed to someone else.
	TaskTimeout = 10 * time.Second

	defaultNReduce     = 10
	defaultInputFormat = "pg-%d.txt"
	defaultWALPath     = "mr-coordinator.wal"
)

// Config is the coordinator's start-up configuration.
type Config struct {
	// Inputs lists one input file per map task. When empty, NMap files are
	// named with InputFormat instead.
	Inputs      []string
	NMap        int
	InputFormat string

	NReduce int

	// Workers is the number of distinct workers that must check in before
	// the first task is handed out. Zero disables the gate.
	Workers int

	LeaseDuration time.Duration

	Network string
	Address string

	WALPath string
	NoSync  bool
}

func DefaultConfig() Config {
	return Config{
		InputFormat:   defaultInputFormat,
		NReduce:       defaultNReduce,
		LeaseDuration: TaskTimeout,
		Network:       "unix",
		Address:       masterSock(),
		WALPath:       defaultWALPath,
	}
}

func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.NMap, "nmap", c.NMap, "number of map tasks when no input files are listed")
	fs.StringVar(&c.InputFormat, "input-format", c.InputFormat, "input file name pattern used with -nmap")
	fs.IntVar(&c.NReduce, "nreduce", c.NReduce, "number of reduce tasks")
	fs.IntVar(&c.Workers, "workers", c.Workers, "workers that must connect before map tasks are handed out")
	fs.DurationVar(&c.LeaseDuration, "lease", c.LeaseDuration, "task lease duration")
	fs.StringVar(&c.Network, "network", c.Network, "listen network, tcp or unix")
	fs.StringVar(&c.Address, "addr", c.Address, "listen address")
	fs.StringVar(&c.WALPath, "wal", c.WALPath, "write-ahead log path")
	fs.BoolVar(&c.NoSync, "nosync", c.NoSync, "skip fsync after each log append")
}

// InputFiles returns the map task inputs in task order.
func (c *Config) InputFiles() []string {
	if len(c.Inputs) > 0 {
		return c.Inputs
	}
	files := make([]string, c.NMap)
	for i := range files {
		files[i] = fmt.Sprintf(c.InputFormat, i)
	}
	return files
}

func (c *Config) Validate() error {
	switch {
	case len(c.Inputs) > 0 && c.NMap > 0 && c.NMap != len(c.Inputs):
		return fmt.Errorf("%w: -nmap %d does not match %d input files", ErrInvalidConfig, c.NMap, len(c.Inputs))
	case len(c.Inputs) == 0 && c.NMap <= 0:
		return fmt.Errorf("%w: no input files", ErrInvalidConfig)
	case c.NReduce <= 0:
		return fmt.Errorf("%w: reduce task count must be positive", ErrInvalidConfig)
	case c.Workers < 0:
		return fmt.Errorf("%w: negative worker count", ErrInvalidConfig)
	case c.LeaseDuration <= 0:
		return fmt.Errorf("%w: lease duration must be positive", ErrInvalidConfig)
	case c.Network != "tcp" && c.Network != "unix":
		return fmt.Errorf("%w: unsupported network %q", ErrInvalidConfig, c.Network)
	case c.Address == "":
		return fmt.Errorf("%w: empty address", ErrInvalidConfig)
	case c.WALPath == "":
		return fmt.Errorf("%w: empty log path", ErrInvalidConfig)
	}
	return nil
}

// WorkerConfig configures a worker process.
type WorkerConfig struct {
	// ID is the worker's identity. Empty lets the coordinator assign one.
	ID string

	Network string
	Address string

	// Dir holds intermediate and output files.
	Dir string

	PollInterval time.Duration

	// HeartbeatInterval defaults to a third of the lease.
	HeartbeatInterval time.Duration

	// MaxRetries bounds attempts per RPC. Zero retries until the
	// coordinator answers.
	MaxRetries int
	MaxBackoff time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Network:      "unix",
		Address:      masterSock(),
		Dir:          ".",
		PollInterval: time.Second,
		MaxBackoff:   2 * time.Second,
	}
}

func (c *WorkerConfig) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ID, "id", c.ID, "worker id, assigned by the coordinator when empty")
	fs.StringVar(&c.Network, "network", c.Network, "coordinator network, tcp or unix")
	fs.StringVar(&c.Address, "addr", c.Address, "coordinator address")
	fs.StringVar(&c.Dir, "dir", c.Dir, "directory for intermediate and output files")
	fs.DurationVar(&c.PollInterval, "poll", c.PollInterval, "wait between task requests when there is no work")
	fs.IntVar(&c.MaxRetries, "retries", c.MaxRetries, "attempts per RPC, 0 for unlimited")
	fs.DurationVar(&c.MaxBackoff, "max-backoff", c.MaxBackoff, "upper bound on RPC retry backoff")
}

func (c *WorkerConfig) Validate() error {
	switch {
	case c.Network != "tcp" && c.Network != "unix":
		return fmt.Errorf("%w: unsupported network %q", ErrInvalidConfig, c.Network)
	case c.Address == "":
		return fmt.Errorf("%w: empty address", ErrInvalidConfig)
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: negative retry count", ErrInvalidConfig)
	case c.MaxBackoff <= 0:
		return fmt.Errorf("%w: max backoff must be positive", ErrInvalidConfig)
	}
	return nil
}
