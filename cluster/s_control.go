package cluster

import (
	"fmt"

	"github.com/go-strata/strata/internal/plan"
	"github.com/go-strata/strata/internal/wire"
)

// handleControl dispatches one frame of the scheduler's control channel.
// Returning an error makes the server answer the frame with MsgError, so
// engine errors reach the peer in their typed form.
func (s *scheduler) handleControl(c *wire.Conn, typ byte, payload []byte) error {
	switch typ {
	case wire.MsgRegister:
		var req wire.RegisterRequest
		if err := wire.DecodeBody(payload, &req); err != nil {
			return err
		}
		if err := s.state.RegisterWorker(req.WorkerID, req.Addr, req.Slots); err != nil {
			return err
		}
		return c.WriteMessage(wire.MsgRegisterAck, &wire.RegisterResponse{})

	case wire.MsgPoll:
		var req wire.PollRequest
		if err := wire.DecodeBody(payload, &req); err != nil {
			return err
		}
		asg, err := s.state.PollForTask(req.WorkerID)
		if err != nil {
			return err
		}
		return c.WriteMessage(wire.MsgPollAck, &wire.PollResponse{Assignment: asg})

	case wire.MsgTaskStatus:
		var req wire.TaskStatusRequest
		if err := wire.DecodeBody(payload, &req); err != nil {
			return err
		}
		cancelled, err := s.state.ReportTaskStatus(req.WorkerID, &req)
		if err != nil {
			return err
		}
		return c.WriteMessage(wire.MsgTaskStatusAck, &wire.TaskStatusResponse{Cancelled: cancelled})

	case wire.MsgHeartbeat:
		var req wire.HeartbeatRequest
		if err := wire.DecodeBody(payload, &req); err != nil {
			return err
		}
		active, keep, err := s.state.Heartbeat(req.WorkerID, req.Tasks)
		if err != nil {
			return err
		}
		return c.WriteMessage(wire.MsgHeartbeatAck, &wire.HeartbeatResponse{ActiveJobs: active, KeepJobs: keep})

	case wire.MsgSubmit:
		var req wire.SubmitRequest
		if err := wire.DecodeBody(payload, &req); err != nil {
			return err
		}
		graph, err := plan.BuildStages(req.Plan)
		if err != nil {
			return err
		}
		id, err := s.state.SubmitJob(graph)
		if err != nil {
			return err
		}
		return c.WriteMessage(wire.MsgSubmitAck, &wire.SubmitResponse{JobID: id})

	case wire.MsgJobStatus:
		var req wire.JobStatusRequest
		if err := wire.DecodeBody(payload, &req); err != nil {
			return err
		}
		status, err := s.state.JobStatus(req.JobID)
		if err != nil {
			return err
		}
		return c.WriteMessage(wire.MsgJobStatusAck, &wire.JobStatusResponse{Status: status})

	case wire.MsgJobResult:
		var req wire.JobResultRequest
		if err := wire.DecodeBody(payload, &req); err != nil {
			return err
		}
		result, err := s.state.JobResult(req.JobID)
		if err != nil {
			return err
		}
		return c.WriteMessage(wire.MsgJobResultAck, &wire.JobResultResponse{Result: result})

	case wire.MsgCancel:
		var req wire.CancelRequest
		if err := wire.DecodeBody(payload, &req); err != nil {
			return err
		}
		if err := s.state.CancelJob(req.JobID); err != nil {
			return err
		}
		return c.WriteMessage(wire.MsgCancelAck, &wire.CancelResponse{})

	default:
		return fmt.Errorf("unexpected frame %#02x on control channel", typ)
	}
}
