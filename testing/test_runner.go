package testing

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/go-strata/strata"
	"github.com/go-strata/strata/cluster"
)

// LocalCluster is a scheduler and a set of workers on ephemeral loopback
// ports, for tests.
type LocalCluster struct {
	Scheduler cluster.Node
	Workers   []cluster.Node
	opts      *cluster.NodeOptions
	wg        sync.WaitGroup
}

// StartLocalCluster launches a scheduler and numWorkers workers on
// localhost. Options the caller leaves zero take test-friendly values, so
// liveness and retention behavior converges quickly.
func StartLocalCluster(opts *cluster.NodeOptions, numWorkers int) (lc *LocalCluster, err error) {
	if opts == nil {
		opts = &cluster.NodeOptions{}
	}
	opts = cluster.CloneNodeOptions(opts)
	opts.Host = "127.0.0.1"
	opts.Port = 0
	if opts.RPCTimeout == 0 {
		opts.RPCTimeout = 5 * time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 50 * time.Millisecond
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = 25 * time.Millisecond
	}

	sched, err := cluster.CreateNodeInRole(cluster.Scheduler, cluster.CloneNodeOptions(opts))
	if err != nil {
		return nil, err
	}
	lc = &LocalCluster{Scheduler: sched, opts: opts}
	defer func() {
		if err != nil {
			lc.Stop()
		}
	}()
	lc.wg.Add(1)
	go func() {
		defer lc.wg.Done()
		if serr := sched.Start(); serr != nil {
			panic(serr)
		}
	}()
	addr, err := waitForAddr(sched)
	if err != nil {
		return nil, err
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	for i := 0; i < numWorkers; i++ {
		wopts := cluster.CloneNodeOptions(opts)
		wopts.SchedulerHost = host
		wopts.SchedulerPort = port
		w, werr := cluster.CreateNodeInRole(cluster.Worker, wopts)
		if werr != nil {
			return nil, werr
		}
		lc.Workers = append(lc.Workers, w)
		lc.wg.Add(1)
		go func() {
			defer lc.wg.Done()
			if serr := w.Start(); serr != nil {
				panic(serr)
			}
		}()
		if _, werr := waitForAddr(w); werr != nil {
			return nil, werr
		}
	}
	return lc, nil
}

// Connect returns a Client on the cluster's scheduler.
func (lc *LocalCluster) Connect() (*cluster.Client, error) {
	return cluster.Connect(lc.Scheduler.Addr(), lc.opts)
}

// StopWorker stops one worker immediately, as if it had crashed.
func (lc *LocalCluster) StopWorker(i int) error {
	return lc.Workers[i].Stop()
}

// Stop shuts the workers down, then the scheduler, and waits for every
// node goroutine to unwind.
func (lc *LocalCluster) Stop() error {
	var multierr *multierror.Error
	for _, w := range lc.Workers {
		if err := w.Stop(); err != nil {
			multierr = multierror.Append(multierr, err)
		}
	}
	if err := lc.Scheduler.Stop(); err != nil {
		multierr = multierror.Append(multierr, err)
	}
	lc.wg.Wait()
	return multierr.ErrorOrNil()
}

// LocalRun executes one plan on a fresh local cluster and returns the
// collected result batches.
func LocalRun(ctx context.Context, p *strata.Plan, opts *cluster.NodeOptions, numWorkers int) ([]*strata.Batch, error) {
	lc, err := StartLocalCluster(opts, numWorkers)
	if err != nil {
		return nil, err
	}
	defer lc.Stop()
	client, err := lc.Connect()
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Execute(ctx, p, 20*time.Millisecond)
}

// waitForAddr polls a starting node until it has bound its port.
func waitForAddr(n cluster.Node) (string, error) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if addr := n.Addr(); addr != "" {
			return addr, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return "", fmt.Errorf("node did not bind a port within 5s")
}
