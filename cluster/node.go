// Package cluster assembles Strata nodes: a scheduler which partitions
// submitted plans into stage graphs and hands tasks to workers, and workers
// which execute tasks and serve their shuffle output to each other. Clients
// talk to the scheduler over the same framed protocol via Client.
package cluster

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-strata/strata/internal/wire"
	"github.com/go-strata/strata/logging"
)

// NodeRole describes the intended role of a Node
type NodeRole = string

const (
	// Scheduler indicates that a node should coordinate work
	//   e.g. CreateNodeInRole(Scheduler, &NodeOptions{...})
	Scheduler NodeRole = "scheduler"
	// Worker indicates that a node should execute work
	//   e.g. CreateNodeInRole(Worker, &NodeOptions{...})
	Worker NodeRole = "worker"
)

// Node is a member of a Strata cluster, either scheduling or performing
// work. Start binds the node's listener and blocks serving until the node is
// stopped.
type Node interface {
	IsScheduler() bool
	Start() error
	GracefulStop() error
	Stop() error
	// Addr returns the address the node is serving on, or "" before Start
	// has bound its listener.
	Addr() string
}

// NodeOptions configure a Node. The zero value of most options selects a
// sensible default; only SchedulerHost is required, and only for workers.
type NodeOptions struct {
	Port          int    // port for this Node to bind to; 0 picks a free port
	Host          string // hostname for this Node to bind to
	AdvertiseHost string // hostname other nodes reach this Node at; defaults to Host, or 127.0.0.1 when Host is 0.0.0.0
	SchedulerHost string // [REQUIRED for workers] hostname of the scheduler
	SchedulerPort int    // port of the scheduler

	Slots           int           // concurrent tasks a worker runs; defaults to the CPU count
	RPCTimeout      time.Duration // per-call and per-frame deadline for control traffic
	RegisterRetries int           // how many times a worker retries registering (at one second intervals)

	PollInterval      time.Duration // how long a worker waits after an empty poll
	HeartbeatInterval time.Duration // how often a worker heartbeats the scheduler

	SuspectTimeout    time.Duration // silence before the scheduler suspects a worker
	WorkerDeadTimeout time.Duration // silence before the scheduler declares a worker dead
	TaskRetries       int           // failed attempts a task survives before its job fails
	FetchRetries      int           // extra attempts when fetching a shuffle partition
	FetchRetryDelay   time.Duration // pause between fetch attempts

	LocalityFraction float64 // input fraction a worker must hold locally to win a task out of order
	LocalityWindow   int     // queued candidates examined for locality before falling back to oldest

	ResultRetention  time.Duration // how long the scheduler remembers terminal jobs
	ShuffleRetention time.Duration // how long workers keep partitions of jobs the scheduler no longer lists

	SweepInterval          time.Duration // how often the scheduler checks worker liveness
	RetentionSweepInterval time.Duration // how often the scheduler garbage-collects terminal jobs

	TempDir      string // location for shuffle partition segments
	MaxFrameSize int    // largest frame accepted on any connection
	MaxConns     int    // concurrent connections a node accepts
	ChunkSize    int    // payload size for streamed segment chunks

	Logger            log.Logger            // structured logger; defaults to info-level on stderr
	MetricsRegisterer prometheus.Registerer // registry for scheduler metrics; nil disables them
}

// CloneNodeOptions makes a copy of a NodeOptions
func CloneNodeOptions(opts *NodeOptions) *NodeOptions {
	clone := *opts
	return &clone
}

func ensureDefaultNodeOptionsValues(opts *NodeOptions) {
	if len(opts.Host) == 0 {
		opts.Host = "0.0.0.0"
	}
	if len(opts.AdvertiseHost) == 0 {
		if opts.Host != "0.0.0.0" {
			opts.AdvertiseHost = opts.Host
		} else {
			opts.AdvertiseHost = "127.0.0.1"
		}
	}
	if opts.SchedulerPort == 0 {
		opts.SchedulerPort = 7091
	}
	if opts.Slots == 0 {
		opts.Slots = runtime.NumCPU()
	}
	if opts.RPCTimeout == 0 {
		opts.RPCTimeout = 5 * time.Second
	}
	if opts.RegisterRetries == 0 {
		opts.RegisterRetries = 5
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Second
	}
	if opts.SuspectTimeout == 0 {
		opts.SuspectTimeout = 3 * time.Second
	}
	if opts.WorkerDeadTimeout == 0 {
		opts.WorkerDeadTimeout = 10 * time.Second
	}
	if opts.TaskRetries == 0 {
		opts.TaskRetries = 3
	}
	if opts.FetchRetries == 0 {
		opts.FetchRetries = 3
	}
	if opts.FetchRetryDelay == 0 {
		opts.FetchRetryDelay = 250 * time.Millisecond
	}
	if opts.LocalityFraction == 0 {
		opts.LocalityFraction = 0.5
	}
	if opts.LocalityWindow == 0 {
		opts.LocalityWindow = 16
	}
	if opts.ResultRetention == 0 {
		opts.ResultRetention = 5 * time.Minute
	}
	if opts.ShuffleRetention == 0 {
		opts.ShuffleRetention = 30 * time.Second
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = 500 * time.Millisecond
	}
	if opts.RetentionSweepInterval == 0 {
		opts.RetentionSweepInterval = 15 * time.Second
	}
	if len(opts.TempDir) == 0 {
		opts.TempDir = os.TempDir()
	}
	if opts.MaxFrameSize == 0 {
		opts.MaxFrameSize = wire.DefaultMaxFrame
	}
	if opts.MaxConns == 0 {
		opts.MaxConns = 512
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = wire.ChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(os.Stderr, "info")
	}
}

// connectionString returns the bind address for this node
func (o *NodeOptions) connectionString() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// schedulerConnectionString returns the address of the scheduler
func (o *NodeOptions) schedulerConnectionString() string {
	return fmt.Sprintf("%s:%d", o.SchedulerHost, o.SchedulerPort)
}

// CreateNodeInRole creates a Strata node in a specific role
func CreateNodeInRole(role NodeRole, opts *NodeOptions) (Node, error) {
	switch role {
	case Scheduler:
		return createScheduler(opts)
	case Worker:
		return createWorker(opts)
	default:
		return nil, fmt.Errorf("%s is an unknown NodeRole", role)
	}
}

// CreateNode creates a Strata node, deriving role from environment variables
func CreateNode(opts *NodeOptions) (Node, error) {
	role := os.Getenv("STRATA_NODE_ROLE")
	if len(role) == 0 {
		return nil, fmt.Errorf("$STRATA_NODE_ROLE is not set - must be %q or %q", Scheduler, Worker)
	}
	return CreateNodeInRole(role, opts)
}
