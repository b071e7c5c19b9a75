package cluster

import (
	"fmt"
	"io"

	"github.com/go-kit/log/level"

	"github.com/go-strata/strata"
	serrors "github.com/go-strata/strata/errors"
	"github.com/go-strata/strata/internal/wire"
)

// handleData serves the worker's data channel. The only request it accepts
// is MsgFetch, answered with a size header, the partition's compressed bytes
// as chunk frames, and a trailing end frame. Returning an error makes the
// server answer with MsgError, which a fetching peer accepts at any point
// in the stream.
func (w *worker) handleData(c *wire.Conn, typ byte, payload []byte) error {
	if typ != wire.MsgFetch {
		return fmt.Errorf("unexpected frame %#02x on data channel", typ)
	}
	var req wire.FetchRequest
	if err := wire.DecodeBody(payload, &req); err != nil {
		return err
	}
	store := w.currentStore()
	if store == nil {
		return &serrors.PartitionNotFoundError{Job: req.Job, Stage: req.Stage, Partition: req.Partition}
	}
	id := strata.TaskID{Job: req.Job, Stage: req.Stage, Partition: req.Partition}
	f, size, err := store.OpenRaw(id)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := c.WriteMessage(wire.MsgFetchHeader, &wire.FetchHeader{Size: size}); err != nil {
		return err
	}
	buf := make([]byte, w.opts.ChunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if werr := c.WriteRaw(wire.MsgChunk, buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if err := c.WriteRaw(wire.MsgFetchEnd, nil); err != nil {
		return err
	}
	level.Debug(w.logger).Log("msg", "served shuffle partition", "task", id, "bytes", size)
	return nil
}
