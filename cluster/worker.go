package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gofrs/uuid"
	"go.uber.org/atomic"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/semaphore"

	"github.com/go-strata/strata"
	serrors "github.com/go-strata/strata/errors"
	"github.com/go-strata/strata/internal/executor"
	"github.com/go-strata/strata/internal/shuffle"
	"github.com/go-strata/strata/internal/wire"
)

const (
	reportRetries    = 3
	reportRetryDelay = 500 * time.Millisecond
)

// worker is a Worker node which has lifecycle methods
type worker struct {
	id     string
	opts   *NodeOptions
	logger log.Logger

	slots    *semaphore.Weighted
	draining *atomic.Bool

	lifecycleLock sync.Mutex
	server        *wire.Server
	addr          string
	cancel        context.CancelFunc
	store         *shuffle.Store
	runner        *executor.Runner

	connLock sync.Mutex
	conn     *wire.Conn

	tasksLock sync.Mutex
	running   map[strata.TaskID]*runningTask

	// missingJobs tracks when each job first went unlisted by a heartbeat
	// ack, so its shuffle data is evicted only after the retention grace.
	missingLock sync.Mutex
	missingJobs map[string]time.Time

	loopWg sync.WaitGroup
	taskWg sync.WaitGroup
}

type runningTask struct {
	attempt int
	cancel  context.CancelFunc
}

// createWorker is a factory for Workers
func createWorker(opts *NodeOptions) (*worker, error) {
	ensureDefaultNodeOptionsValues(opts)
	if len(opts.SchedulerHost) == 0 {
		return nil, fmt.Errorf("NodeOptions.SchedulerHost must be set to reach the scheduler")
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("failed to generate worker ID: %w", err)
	}
	return &worker{
		id:          id.String(),
		opts:        opts,
		logger:      log.With(opts.Logger, "role", "worker", "worker_id", id.String()),
		slots:       semaphore.NewWeighted(int64(opts.Slots)),
		draining:    atomic.NewBool(false),
		running:     make(map[strata.TaskID]*runningTask),
		missingJobs: make(map[string]time.Time),
	}, nil
}

// ID returns the ID of this worker
func (w *worker) ID() string {
	return w.id
}

// IsScheduler returns false for workers
func (w *worker) IsScheduler() bool {
	return false
}

// Addr returns the advertised data channel address of this worker
func (w *worker) Addr() string {
	w.lifecycleLock.Lock()
	defer w.lifecycleLock.Unlock()
	return w.addr
}

// Start the worker - will block the current thread
func (w *worker) Start() error {
	store, err := shuffle.NewStore(filepath.Join(w.opts.TempDir, "strata-worker-"+w.id), w.logger)
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", w.opts.connectionString())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	lis = netutil.LimitListener(lis, w.opts.MaxConns)
	port := lis.Addr().(*net.TCPAddr).Port
	addr := net.JoinHostPort(w.opts.AdvertiseHost, strconv.Itoa(port))
	server := wire.NewServer(w.logger, w.handleData, w.opts.RPCTimeout, w.opts.MaxFrameSize)
	ctx, cancel := context.WithCancel(context.Background())

	w.lifecycleLock.Lock()
	if w.server != nil {
		w.lifecycleLock.Unlock()
		cancel()
		lis.Close()
		return fmt.Errorf("worker already started")
	}
	w.server = server
	w.addr = addr
	w.cancel = cancel
	w.store = store
	fetchCfg := executor.FetchConfig{
		Timeout:  w.opts.RPCTimeout,
		Retries:  w.opts.FetchRetries,
		Delay:    w.opts.FetchRetryDelay,
		MaxFrame: w.opts.MaxFrameSize,
	}
	w.runner = executor.NewRunner(store, executor.NewFetcher(w.id, store, fetchCfg, w.logger), w.logger)
	w.lifecycleLock.Unlock()

	if err := w.register(ctx); err != nil {
		lis.Close()
		w.Stop()
		return err
	}

	w.loopWg.Add(2)
	go w.pollLoop(ctx)
	go w.heartbeatLoop(ctx)
	level.Info(w.logger).Log("msg", "worker serving", "addr", addr, "slots", w.opts.Slots)
	err = server.Serve(lis)
	cancel()
	w.loopWg.Wait()
	w.taskWg.Wait()
	w.closeConn()
	return err
}

// GracefulStop the worker, letting running tasks finish and report
func (w *worker) GracefulStop() error {
	w.draining.Store(true)
	w.taskWg.Wait()
	return w.Stop()
}

// Stop the worker immediately, abandoning running tasks
func (w *worker) Stop() error {
	w.lifecycleLock.Lock()
	server := w.server
	cancel := w.cancel
	w.server = nil
	w.cancel = nil
	w.addr = ""
	w.lifecycleLock.Unlock()
	if server == nil {
		return nil
	}
	cancel()
	server.Stop()
	return nil
}

// register announces this worker to the scheduler, retrying at one second
// intervals.
func (w *worker) register(ctx context.Context) error {
	req := &wire.RegisterRequest{WorkerID: w.id, Addr: w.Addr(), Slots: w.opts.Slots}
	var lastErr error
	for attempt := 0; attempt < w.opts.RegisterRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
		lastErr = w.call(wire.MsgRegister, req, &wire.RegisterResponse{})
		if lastErr == nil {
			return nil
		}
		level.Warn(w.logger).Log("msg", "registration failed, retrying",
			"scheduler", w.opts.schedulerConnectionString(), "err", lastErr)
	}
	return fmt.Errorf("unable to register with scheduler at %s: %w",
		w.opts.schedulerConnectionString(), lastErr)
}

// pollLoop asks the scheduler for work whenever a slot is free. A successful
// assignment re-polls immediately; an empty or failed poll waits out the
// poll interval.
func (w *worker) pollLoop(ctx context.Context) {
	defer w.loopWg.Done()
	for ctx.Err() == nil {
		if w.draining.Load() || !w.slots.TryAcquire(1) {
			w.sleep(ctx, w.opts.PollInterval)
			continue
		}
		var resp wire.PollResponse
		err := w.call(wire.MsgPoll, &wire.PollRequest{WorkerID: w.id}, &resp)
		if err != nil {
			w.slots.Release(1)
			w.handleControlError(ctx, err)
			w.sleep(ctx, w.opts.PollInterval)
			continue
		}
		if resp.Assignment == nil {
			w.slots.Release(1)
			w.sleep(ctx, w.opts.PollInterval)
			continue
		}
		w.taskWg.Add(1)
		go w.runTask(ctx, resp.Assignment)
	}
}

// runTask executes one assignment and reports its outcome. The slot it
// occupies frees when the report is done.
func (w *worker) runTask(ctx context.Context, asg *wire.Assignment) {
	defer w.taskWg.Done()
	defer w.slots.Release(1)

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.tasksLock.Lock()
	w.running[asg.Task] = &runningTask{attempt: asg.Attempt, cancel: cancel}
	w.tasksLock.Unlock()
	defer func() {
		w.tasksLock.Lock()
		delete(w.running, asg.Task)
		w.tasksLock.Unlock()
	}()

	level.Debug(w.logger).Log("msg", "task started", "task", asg.Task, "attempt", asg.Attempt)
	w.report(ctx, &wire.TaskStatusRequest{
		WorkerID: w.id, Task: asg.Task, Attempt: asg.Attempt, State: strata.TaskRunning,
	})

	stats, err := w.runner.Run(taskCtx, asg)
	rep := &wire.TaskStatusRequest{WorkerID: w.id, Task: asg.Task, Attempt: asg.Attempt}
	if err != nil {
		rep.State = strata.TaskFailed
		rep.Error = wire.EncodeError(err)
	} else {
		rep.State = strata.TaskCompleted
		rep.Stats = &stats
	}
	w.report(ctx, rep)
}

// report delivers one status report, retrying transport failures so task
// outcomes are not lost to a transient control hiccup.
func (w *worker) report(ctx context.Context, rep *wire.TaskStatusRequest) {
	var lastErr error
	for attempt := 0; attempt < reportRetries; attempt++ {
		if attempt > 0 {
			w.sleep(ctx, reportRetryDelay)
			if ctx.Err() != nil {
				break
			}
		}
		var resp wire.TaskStatusResponse
		err := w.call(wire.MsgTaskStatus, rep, &resp)
		if err == nil {
			if resp.Cancelled {
				w.abortJob(rep.Task.Job)
			}
			return
		}
		lastErr = err
		var lost *serrors.WorkerLostError
		if errors.As(err, &lost) {
			// The scheduler no longer knows this worker; re-register and
			// let the attempt guard sort out whether the report is stale.
			if rerr := w.register(ctx); rerr != nil {
				break
			}
			continue
		}
		if !transportBroken(err) {
			break
		}
	}
	level.Warn(w.logger).Log("msg", "unable to report task status",
		"task", rep.Task, "state", rep.State, "err", lastErr)
}

// heartbeatLoop keeps the scheduler's liveness view fresh and applies its
// job directives: aborting tasks of inactive jobs and evicting shuffle data
// of forgotten ones.
func (w *worker) heartbeatLoop(ctx context.Context) {
	defer w.loopWg.Done()
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		req := &wire.HeartbeatRequest{WorkerID: w.id, Tasks: w.snapshot()}
		var resp wire.HeartbeatResponse
		if err := w.call(wire.MsgHeartbeat, req, &resp); err != nil {
			w.handleControlError(ctx, err)
			continue
		}
		w.applyHeartbeat(&resp)
	}
}

// snapshot lists the attempts currently running, for heartbeat
// reconciliation on the scheduler.
func (w *worker) snapshot() []wire.TaskSnapshot {
	w.tasksLock.Lock()
	defer w.tasksLock.Unlock()
	if len(w.running) == 0 {
		return nil
	}
	snap := make([]wire.TaskSnapshot, 0, len(w.running))
	for id, rt := range w.running {
		snap = append(snap, wire.TaskSnapshot{Task: id, Attempt: rt.attempt, State: strata.TaskRunning})
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].Task.String() < snap[j].Task.String() })
	return snap
}

// applyHeartbeat acts on the scheduler's view of which jobs still matter.
func (w *worker) applyHeartbeat(resp *wire.HeartbeatResponse) {
	active := make(map[string]bool, len(resp.ActiveJobs))
	for _, job := range resp.ActiveJobs {
		active[job] = true
	}
	keep := make(map[string]bool, len(resp.KeepJobs))
	for _, job := range resp.KeepJobs {
		keep[job] = true
	}

	w.tasksLock.Lock()
	for id, rt := range w.running {
		if !active[id.Job] {
			level.Debug(w.logger).Log("msg", "aborting task of inactive job", "task", id)
			rt.cancel()
		}
	}
	w.tasksLock.Unlock()

	store := w.currentStore()
	if store == nil {
		return
	}
	now := time.Now()
	w.missingLock.Lock()
	defer w.missingLock.Unlock()
	for _, job := range store.Jobs() {
		if active[job] || keep[job] {
			delete(w.missingJobs, job)
			continue
		}
		first, seen := w.missingJobs[job]
		if !seen {
			w.missingJobs[job] = now
			continue
		}
		if now.Sub(first) >= w.opts.ShuffleRetention {
			delete(w.missingJobs, job)
			n := store.Evict(job)
			level.Debug(w.logger).Log("msg", "evicted shuffle data of forgotten job", "job", job, "partitions", n)
		}
	}
}

// abortJob cancels every running task of one job.
func (w *worker) abortJob(job string) {
	w.tasksLock.Lock()
	defer w.tasksLock.Unlock()
	for id, rt := range w.running {
		if id.Job == job {
			rt.cancel()
		}
	}
}

// handleControlError reacts to a failed control call. A WorkerLostError
// means the scheduler dropped this worker, usually after a restart on
// either side, so re-register under the same ID.
func (w *worker) handleControlError(ctx context.Context, err error) {
	var lost *serrors.WorkerLostError
	if errors.As(err, &lost) {
		level.Warn(w.logger).Log("msg", "scheduler dropped this worker, re-registering")
		if rerr := w.register(ctx); rerr != nil {
			level.Warn(w.logger).Log("msg", "re-registration failed", "err", rerr)
		}
		return
	}
	level.Debug(w.logger).Log("msg", "control call failed", "err", err)
}

// call performs one control channel round trip, dialing the scheduler on
// demand and dropping the connection when transport fails.
func (w *worker) call(typ byte, req, resp interface{}) error {
	conn, err := w.controlConn()
	if err != nil {
		return err
	}
	err = conn.Call(typ, req, resp)
	if err != nil && transportBroken(err) {
		w.dropConn(conn)
	}
	return err
}

func (w *worker) controlConn() (*wire.Conn, error) {
	w.connLock.Lock()
	defer w.connLock.Unlock()
	if w.conn != nil {
		return w.conn, nil
	}
	conn, err := wire.Dial(w.opts.schedulerConnectionString(), w.opts.RPCTimeout, w.opts.MaxFrameSize)
	if err != nil {
		return nil, err
	}
	w.conn = conn
	return conn, nil
}

func (w *worker) dropConn(conn *wire.Conn) {
	w.connLock.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.connLock.Unlock()
	conn.Close()
}

func (w *worker) closeConn() {
	w.connLock.Lock()
	conn := w.conn
	w.conn = nil
	w.connLock.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (w *worker) currentStore() *shuffle.Store {
	w.lifecycleLock.Lock()
	defer w.lifecycleLock.Unlock()
	return w.store
}

func (w *worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// transportBroken reports whether a call error means the connection is
// unusable, as opposed to a typed engine error riding a healthy one.
func transportBroken(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
