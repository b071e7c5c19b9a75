// Package executor runs assigned tasks on a worker node: it resolves each
// task's input partitions over the data channel, evaluates the stage's
// operator subtree, and publishes the output partition to the local shuffle
// store in a single commit.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/go-strata/strata"
	serrors "github.com/go-strata/strata/errors"
	"github.com/go-strata/strata/internal/exec"
	"github.com/go-strata/strata/internal/shuffle"
	"github.com/go-strata/strata/internal/wire"
)

// FetchConfig bounds how hard a Fetcher tries before giving up on a
// location.
type FetchConfig struct {
	// Timeout is the dial timeout and per-frame deadline on fetch
	// connections.
	Timeout time.Duration
	// Retries is the number of additional attempts after a failed fetch.
	Retries int
	// Delay is the pause between attempts.
	Delay time.Duration
	// MaxFrame caps the size of a received frame.
	MaxFrame int
}

// Fetcher resolves shuffle partitions by location. Partitions held by this
// worker are opened straight from the local store; remote ones are streamed
// over the owning worker's data channel.
type Fetcher struct {
	self   string
	store  *shuffle.Store
	cfg    FetchConfig
	logger log.Logger
}

// NewFetcher returns a Fetcher serving worker self from the given store.
func NewFetcher(self string, store *shuffle.Store, cfg FetchConfig, logger log.Logger) *Fetcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Fetcher{self: self, store: store, cfg: cfg, logger: logger}
}

// Open returns a cursor over the input partition that task id produced at
// loc. Transient transport errors are retried up to the configured budget
// and then escalated as a FetchTimeoutError; a PartitionNotFoundError from
// the serving worker is returned immediately, since only the scheduler can
// arrange for the partition to be recomputed.
func (f *Fetcher) Open(ctx context.Context, loc strata.PartitionLocation, id strata.TaskID) (exec.Cursor, error) {
	if loc.WorkerID == f.self {
		cur, err := f.store.Open(id)
		if err != nil {
			return nil, err
		}
		return cur, nil
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		cur, err := f.fetch(loc.Addr, id)
		if err == nil {
			return cur, nil
		}
		var missing *serrors.PartitionNotFoundError
		if errors.As(err, &missing) {
			return nil, err
		}
		lastErr = err
		if attempt >= f.cfg.Retries {
			break
		}
		level.Debug(f.logger).Log("msg", "fetch failed, retrying",
			"addr", loc.Addr, "task", id, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.cfg.Delay):
		}
	}
	return nil, &serrors.FetchTimeoutError{Addr: loc.Addr, Cause: lastErr}
}

// fetch streams one partition from a remote data channel. The returned
// cursor owns the connection and releases it on Close.
func (f *Fetcher) fetch(addr string, id strata.TaskID) (exec.Cursor, error) {
	conn, err := wire.Dial(addr, f.cfg.Timeout, f.cfg.MaxFrame)
	if err != nil {
		return nil, err
	}
	req := &wire.FetchRequest{Job: id.Job, Stage: id.Stage, Partition: id.Partition}
	if err := conn.WriteMessage(wire.MsgFetch, req); err != nil {
		conn.Close()
		return nil, err
	}
	typ, payload, err := conn.ReadFrame()
	if err != nil {
		conn.Close()
		return nil, err
	}
	switch typ {
	case wire.MsgFetchHeader:
		// The announced size is advisory; the chunk stream carries its own
		// end marker.
	case wire.MsgError:
		conn.Close()
		return nil, decodeErrorFrame(payload)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected frame %#02x in fetch reply", typ)
	}
	return &fetchCursor{Reader: shuffle.NewReader(&chunkReader{conn: conn}), conn: conn}, nil
}

// decodeErrorFrame rebuilds the engine error carried by a MsgError frame.
func decodeErrorFrame(payload []byte) error {
	we := &wire.WireError{}
	if err := wire.DecodeBody(payload, we); err != nil {
		return err
	}
	return we.Decode()
}

// chunkReader adapts the MsgChunk frames of a fetch reply into an io.Reader
// for the segment decoder. MsgFetchEnd marks end of stream; a MsgError frame
// mid-stream surfaces as the engine error it carries.
type chunkReader struct {
	conn *wire.Conn
	buf  []byte
	done bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.done {
			return 0, io.EOF
		}
		typ, payload, err := r.conn.ReadFrame()
		if err != nil {
			return 0, err
		}
		switch typ {
		case wire.MsgChunk:
			r.buf = payload
		case wire.MsgFetchEnd:
			r.done = true
			return 0, io.EOF
		case wire.MsgError:
			return 0, decodeErrorFrame(payload)
		default:
			return 0, fmt.Errorf("unexpected frame %#02x in fetch stream", typ)
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// fetchCursor streams batches from a remote segment and closes the
// underlying connection with the cursor.
type fetchCursor struct {
	*shuffle.Reader
	conn *wire.Conn
}

func (c *fetchCursor) Close() error {
	c.Reader.Close()
	return c.conn.Close()
}
