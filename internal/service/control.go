package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/valuation-tools/tabctl/internal/model"
)

var ErrUnknownCommand = errors.New("unknown control command")

const (
	CommandPause  = "pause"
	CommandResume = "resume"
	CommandStop   = "stop"
	// CommandStatus lists active jobs, or one job when a job id is given.
	CommandStatus = "status"
)

const requestTimeout = 10 * time.Second

type ControlRequest struct {
	JobID   string `json:"job_id"`
	Command string `json:"command"`
}

type ControlReply struct {
	OK    bool             `json:"ok"`
	Error string           `json:"error,omitempty"`
	State string           `json:"state,omitempty"`
	Jobs  []model.Snapshot `json:"jobs,omitempty"`
}

// Control applies a command to a running job.
func (s *Supervisor) Control(ctx context.Context, command, jobID string) (model.Snapshot, error) {
	switch command {
	case CommandPause:
		return s.reg.Pause(ctx, jobID)
	case CommandResume:
		return s.reg.Resume(ctx, jobID)
	case CommandStop:
		return s.reg.Stop(ctx, jobID)
	case CommandStatus:
		snap, ok := s.reg.Get(jobID)
		if !ok {
			return model.Snapshot{}, fmt.Errorf("%w: %s", model.ErrNoActiveJob, jobID)
		}
		return snap, nil
	}
	return model.Snapshot{}, fmt.Errorf("%w: %q", ErrUnknownCommand, command)
}

// HandleControl decodes a ControlRequest and returns the encoded reply. It
// never fails: errors are reported inside the reply.
func (s *Supervisor) HandleControl(ctx context.Context, data []byte) []byte {
	var req ControlRequest
	var reply ControlReply
	if err := json.Unmarshal(data, &req); err != nil {
		reply.Error = "decoding request: " + err.Error()
		return encodeReply(reply)
	}

	if req.Command == CommandStatus && req.JobID == "" {
		reply.OK = true
		reply.Jobs = s.reg.Active()
		return encodeReply(reply)
	}

	snap, err := s.Control(ctx, req.Command, req.JobID)
	if err != nil {
		reply.Error = err.Error()
		return encodeReply(reply)
	}
	reply.OK = true
	reply.State = snap.State()
	reply.Jobs = []model.Snapshot{snap}
	return encodeReply(reply)
}

func encodeReply(reply ControlReply) []byte {
	raw, err := json.Marshal(reply)
	if err != nil {
		return []byte(`{"ok":false,"error":"encoding reply"}`)
	}
	return raw
}

// RequestControl sends req to the supervisor listening on subject and waits
// for its reply, at most requestTimeout unless ctx has an earlier deadline.
func RequestControl(ctx context.Context, nc *nats.Conn, subject string, req ControlRequest) (ControlReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return ControlReply{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	msg, err := nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return ControlReply{}, fmt.Errorf("requesting %s on %s: %w", req.Command, subject, err)
	}
	var reply ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return ControlReply{}, fmt.Errorf("decoding reply: %w", err)
	}
	if !reply.OK {
		return reply, errors.New(reply.Error)
	}
	return reply, nil
}
