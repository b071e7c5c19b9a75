package wire

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/go-strata/strata"
	serrors "github.com/go-strata/strata/errors"
	"github.com/go-strata/strata/logging"
)

func TestFrameRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	require.Nil(t, WriteMessage(&buf, MsgPoll, &PollRequest{WorkerID: "w-1"}))
	require.Nil(t, WriteRaw(&buf, MsgChunk, []byte("chunk-bytes")))
	require.Nil(t, WriteMessage(&buf, MsgFetchEnd, nil))

	typ, payload, err := ReadFrame(&buf, 0)
	require.Nil(t, err)
	require.Equal(t, MsgPoll, typ)
	var req PollRequest
	require.Nil(t, DecodeBody(payload, &req))
	require.Equal(t, "w-1", req.WorkerID)

	typ, payload, err = ReadFrame(&buf, 0)
	require.Nil(t, err)
	require.Equal(t, MsgChunk, typ)
	require.Equal(t, []byte("chunk-bytes"), payload)

	typ, payload, err = ReadFrame(&buf, 0)
	require.Nil(t, err)
	require.Equal(t, MsgFetchEnd, typ)
	require.Equal(t, 0, len(payload))
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.Nil(t, WriteRaw(&buf, MsgChunk, make([]byte, 2048)))
	_, _, err := ReadFrame(&buf, 1024)
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "exceeds limit")
}

func TestErrorMapping(t *testing.T) {
	cause := errors.New("disk full")
	for name, tc := range map[string]struct {
		in    error
		check func(t *testing.T, out error)
	}{
		"invalid plan": {
			in: &serrors.InvalidPlanError{Reason: "no root operator"},
			check: func(t *testing.T, out error) {
				var e *serrors.InvalidPlanError
				require.True(t, errors.As(out, &e))
				require.Equal(t, "no root operator", e.Reason)
			},
		},
		"task failed": {
			in: &serrors.TaskFailedError{Job: "j", Stage: 1, Partition: 2, Attempt: 3, Cause: cause},
			check: func(t *testing.T, out error) {
				var e *serrors.TaskFailedError
				require.True(t, errors.As(out, &e))
				require.Equal(t, 3, e.Attempt)
				require.Contains(t, e.Error(), "disk full")
			},
		},
		"partition not found": {
			in: &serrors.PartitionNotFoundError{Job: "j", Stage: 0, Partition: 5},
			check: func(t *testing.T, out error) {
				var e *serrors.PartitionNotFoundError
				require.True(t, errors.As(out, &e))
				require.Equal(t, 5, e.Partition)
			},
		},
		"job not completed": {
			in: &serrors.JobNotCompletedError{Job: "j", State: strata.JobRunning},
			check: func(t *testing.T, out error) {
				var e *serrors.JobNotCompletedError
				require.True(t, errors.As(out, &e))
				require.Equal(t, strata.JobRunning, e.State)
			},
		},
		"unrecognized": {
			in: errors.New("plain failure"),
			check: func(t *testing.T, out error) {
				require.Equal(t, "plain failure", out.Error())
			},
		},
	} {
		t.Run(name, func(t *testing.T) {
			we, err := roundtripWireError(EncodeError(tc.in))
			require.Nil(t, err)
			tc.check(t, we.Decode())
		})
	}
}

// roundtripWireError pushes a WireError through its JSON wire form.
func roundtripWireError(we *WireError) (*WireError, error) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, MsgError, we); err != nil {
		return nil, err
	}
	_, payload, err := ReadFrame(&buf, 0)
	if err != nil {
		return nil, err
	}
	out := &WireError{}
	if err := DecodeBody(payload, out); err != nil {
		return nil, err
	}
	return out, nil
}

func startTestServer(t *testing.T, handler Handler) (*Server, string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	srv := NewServer(logging.NewNopLogger(), handler, 2*time.Second, 0)
	go srv.Serve(l)
	return srv, l.Addr().String()
}

func TestCallRoundtrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, addr := startTestServer(t, func(c *Conn, typ byte, payload []byte) error {
		switch typ {
		case MsgPoll:
			var req PollRequest
			if err := DecodeBody(payload, &req); err != nil {
				return err
			}
			return c.WriteMessage(MsgPollAck, &PollResponse{})
		case MsgJobStatus:
			return &serrors.NoSuchJobError{Job: "missing"}
		default:
			return fmt.Errorf("unhandled message %#02x", typ)
		}
	})
	defer srv.Stop()

	conn, err := Dial(addr, 2*time.Second, 0)
	require.Nil(t, err)
	defer conn.Close()

	var poll PollResponse
	require.Nil(t, conn.Call(MsgPoll, &PollRequest{WorkerID: "w-1"}, &poll))
	require.Nil(t, poll.Assignment)

	err = conn.Call(MsgJobStatus, &JobStatusRequest{JobID: "missing"}, nil)
	var nsj *serrors.NoSuchJobError
	require.True(t, errors.As(err, &nsj))
	require.Equal(t, "missing", nsj.Job)
}

func TestChunkStreaming(t *testing.T) {
	defer goleak.VerifyNone(t)

	chunks := [][]byte{[]byte("first"), []byte("second")}
	srv, addr := startTestServer(t, func(c *Conn, typ byte, payload []byte) error {
		if typ != MsgFetch {
			return fmt.Errorf("unhandled message %#02x", typ)
		}
		size := int64(0)
		for _, ch := range chunks {
			size += int64(len(ch))
		}
		if err := c.WriteMessage(MsgFetchHeader, &FetchHeader{Size: size}); err != nil {
			return err
		}
		for _, ch := range chunks {
			if err := c.WriteRaw(MsgChunk, ch); err != nil {
				return err
			}
		}
		return c.WriteMessage(MsgFetchEnd, nil)
	})
	defer srv.Stop()

	conn, err := Dial(addr, 2*time.Second, 0)
	require.Nil(t, err)
	defer conn.Close()

	require.Nil(t, conn.WriteMessage(MsgFetch, &FetchRequest{Job: "j", Stage: 0, Partition: 1}))

	typ, payload, err := conn.ReadFrame()
	require.Nil(t, err)
	require.Equal(t, MsgFetchHeader, typ)
	var hdr FetchHeader
	require.Nil(t, DecodeBody(payload, &hdr))
	require.Equal(t, int64(11), hdr.Size)

	var got bytes.Buffer
	for {
		typ, payload, err = conn.ReadFrame()
		require.Nil(t, err)
		if typ == MsgFetchEnd {
			break
		}
		require.Equal(t, MsgChunk, typ)
		got.Write(payload)
	}
	require.Equal(t, "firstsecond", got.String())
}
