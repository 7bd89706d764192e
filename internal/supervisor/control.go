// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package supervisor

import (
	"context"
	"io"

	"github.com/goccy/go-json"

	"github.com/tomtom215/meridian/internal/health"
	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/transport"
)

// ControlSubject is the CLI's entry point to a running supervisor.
const ControlSubject = "meridian.control"

// controlRequest is the decoded CLI request.
type controlRequest struct {
	Op    string `json:"op"` // status | stop | restart | inspect
	Agent string `json:"agent,omitempty"`
}

// controlResponse is the uniform reply.
type controlResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// InspectReport is the deep view of one agent for `meridian inspect`.
type InspectReport struct {
	Agent  AgentStatus          `json:"agent"`
	Health health.ProbeResponse `json:"health,omitempty"`
	Spec   any                  `json:"spec"`
}

// ControlServer serves supervisor operations on the fabric.
type ControlServer struct {
	sup    *Supervisor
	prober *health.Prober
	stop   func() // initiates controlled shutdown
	closer io.Closer
}

// NewControlServer starts serving control requests. stop is invoked on an
// operator `stop` request.
func NewControlServer(t transport.Transport, sup *Supervisor, prober *health.Prober, stop func()) (*ControlServer, error) {
	s := &ControlServer{sup: sup, prober: prober, stop: stop}
	closer, err := t.Serve(ControlSubject, s.handle)
	if err != nil {
		return nil, err
	}
	s.closer = closer
	return s, nil
}

// Close stops serving.
func (s *ControlServer) Close() error {
	return s.closer.Close()
}

func (s *ControlServer) handle(ctx context.Context, req transport.Envelope) (transport.Envelope, error) {
	var wire controlRequest
	if err := req.Decode(&wire); err != nil {
		logging.Warn().Err(err).Msg("malformed control request")
		return req.Reply("supervisor", "control_reply", controlResponse{Status: "error", Error: "protocol error"})
	}

	var resp controlResponse
	switch wire.Op {
	case "status":
		resp = dataResponse(s.sup.Status())
	case "stop":
		// Acknowledge first; the shutdown tears the fabric down.
		go s.stop()
		resp = controlResponse{Status: "ok"}
	case "restart":
		if err := s.sup.Restart(ctx, wire.Agent); err != nil {
			resp = controlResponse{Status: "error", Error: err.Error()}
		} else {
			resp = controlResponse{Status: "ok"}
		}
	case "inspect":
		resp = s.inspect(ctx, wire.Agent)
	default:
		resp = controlResponse{Status: "error", Error: "unknown op " + wire.Op}
	}
	return req.Reply("supervisor", "control_reply", resp)
}

func (s *ControlServer) inspect(ctx context.Context, agent string) controlResponse {
	var status *AgentStatus
	for _, st := range s.sup.Status() {
		if st.Name == agent {
			st := st
			status = &st
			break
		}
	}
	if status == nil {
		return controlResponse{Status: "error", Error: "unknown agent " + agent}
	}

	report := InspectReport{Agent: *status}
	if spec, ok := s.sup.doc.Agent(agent); ok {
		report.Spec = spec
	}
	if status.Phase == PhaseReady || status.Phase == PhaseDegraded {
		if probe, err := s.prober.DeepProbe(ctx, agent); err == nil {
			report.Health = probe
		}
	}
	return dataResponse(report)
}

func dataResponse(v any) controlResponse {
	data, err := json.Marshal(v)
	if err != nil {
		return controlResponse{Status: "error", Error: err.Error()}
	}
	return controlResponse{Status: "ok", Data: data}
}
