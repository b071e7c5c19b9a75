package cluster

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/net/netutil"

	sched "github.com/go-strata/strata/internal/scheduler"
	"github.com/go-strata/strata/internal/wire"
)

// scheduler is a Scheduler node which has lifecycle methods
type scheduler struct {
	opts   *NodeOptions
	logger log.Logger
	state  *sched.State

	lifecycleLock sync.Mutex
	server        *wire.Server
	addr          string
	sweepDone     chan struct{}
	sweepWg       sync.WaitGroup
}

func createScheduler(opts *NodeOptions) (*scheduler, error) {
	ensureDefaultNodeOptionsValues(opts)
	logger := log.With(opts.Logger, "role", "scheduler")
	cfg := sched.Config{
		TaskRetries:       opts.TaskRetries,
		SuspectTimeout:    opts.SuspectTimeout,
		WorkerDeadTimeout: opts.WorkerDeadTimeout,
		LocalityFraction:  opts.LocalityFraction,
		LocalityWindow:    opts.LocalityWindow,
		ResultRetention:   opts.ResultRetention,
	}
	state := sched.NewState(cfg, logger, sched.NewMetrics(opts.MetricsRegisterer), nil)
	return &scheduler{opts: opts, logger: logger, state: state}, nil
}

// IsScheduler returns true for schedulers
func (s *scheduler) IsScheduler() bool {
	return true
}

// Addr returns the address the scheduler is serving on
func (s *scheduler) Addr() string {
	s.lifecycleLock.Lock()
	defer s.lifecycleLock.Unlock()
	return s.addr
}

// Start the scheduler - will block the current thread
func (s *scheduler) Start() error {
	lis, err := net.Listen("tcp", s.opts.connectionString())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	lis = netutil.LimitListener(lis, s.opts.MaxConns)
	server := wire.NewServer(s.logger, s.handleControl, s.opts.RPCTimeout, s.opts.MaxFrameSize)

	s.lifecycleLock.Lock()
	if s.server != nil {
		s.lifecycleLock.Unlock()
		lis.Close()
		return fmt.Errorf("scheduler already started")
	}
	s.server = server
	s.addr = lis.Addr().String()
	s.sweepDone = make(chan struct{})
	s.lifecycleLock.Unlock()

	s.sweepWg.Add(2)
	go s.livenessLoop()
	go s.retentionLoop()
	level.Info(s.logger).Log("msg", "scheduler listening", "addr", lis.Addr().String())
	return server.Serve(lis)
}

// livenessLoop advances worker liveness states on a fixed cadence.
func (s *scheduler) livenessLoop() {
	defer s.sweepWg.Done()
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepDone:
			return
		case now := <-ticker.C:
			s.state.SweepLiveness(now)
		}
	}
}

// retentionLoop forgets terminal jobs once their results have been
// retrievable for the configured retention.
func (s *scheduler) retentionLoop() {
	defer s.sweepWg.Done()
	ticker := time.NewTicker(s.opts.RetentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepDone:
			return
		case now := <-ticker.C:
			s.state.SweepRetention(now)
		}
	}
}

// GracefulStop the scheduler. The framed server drains connections on Stop,
// so this is equivalent to Stop.
func (s *scheduler) GracefulStop() error {
	return s.Stop()
}

// Stop the scheduler immediately
func (s *scheduler) Stop() error {
	s.lifecycleLock.Lock()
	server := s.server
	done := s.sweepDone
	s.server = nil
	s.sweepDone = nil
	s.addr = ""
	s.lifecycleLock.Unlock()
	if server == nil {
		return nil
	}
	close(done)
	s.sweepWg.Wait()
	server.Stop()
	return nil
}
