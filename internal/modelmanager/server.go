// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package modelmanager

import (
	"context"
	"errors"
	"io"

	"github.com/goccy/go-json"

	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/transport"
)

// Subject is the model manager's request/reply subject on the fabric.
// PeerSubject(host) qualifies it for cross-machine calls.
const Subject = "meridian.models"

// PeerSubject returns the peer host's model manager subject.
func PeerSubject(host string) string {
	return Subject + "." + host
}

// wireRequest is the decoded model manager request. Action selects the
// variant; unknown actions are protocol errors.
type wireRequest struct {
	Action  string          `json:"action"`
	ModelID string          `json:"model_id,omitempty"`
	Context map[string]any  `json:"context,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wireResponse is the uniform reply shape.
type wireResponse struct {
	Status string          `json:"status"`
	Detail string          `json:"detail,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Server exposes a Manager on the fabric.
type Server struct {
	mgr     *Manager
	closers []io.Closer
}

// NewServer serves the manager on Subject and, when localHost is set, on
// PeerSubject(localHost) for cross-machine callers.
func NewServer(t transport.Transport, mgr *Manager, localHost string) (*Server, error) {
	s := &Server{mgr: mgr}

	subjects := []string{Subject}
	if localHost != "" {
		subjects = append(subjects, PeerSubject(localHost))
	}
	for _, subject := range subjects {
		closer, err := t.Serve(subject, s.handle)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, closer)
	}
	return s, nil
}

// Close stops serving.
func (s *Server) Close() error {
	var firstErr error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) handle(ctx context.Context, req transport.Envelope) (transport.Envelope, error) {
	var wire wireRequest
	if err := req.Decode(&wire); err != nil {
		logging.Warn().Err(err).Str("request_id", req.RequestID).Msg("malformed model manager request")
		return req.Reply(Subject, "model_reply", wireResponse{Status: "error", Detail: "protocol error"})
	}

	var resp wireResponse
	switch wire.Action {
	case "load_model":
		resp = s.handleLoad(ctx, wire)
	case "unload_model":
		resp = s.handleUnload(ctx, wire)
	case "get_model_status":
		resp = s.handleStatus(wire)
	case "infer":
		resp = s.handleInfer(ctx, wire)
	default:
		logging.Warn().Str("action", wire.Action).Msg("unknown model manager action")
		resp = wireResponse{Status: "error", Detail: "unknown action " + wire.Action}
	}
	return req.Reply(Subject, "model_reply", resp)
}

func (s *Server) handleLoad(ctx context.Context, wire wireRequest) wireResponse {
	res, err := s.mgr.LoadModel(ctx, wire.ModelID)
	switch res {
	case LoadLoaded:
		return wireResponse{Status: "loaded"}
	case LoadQueued:
		return wireResponse{Status: "queued"}
	case LoadInfeasible:
		resp := wireResponse{Status: "infeasible"}
		if err != nil {
			resp.Detail = err.Error()
		}
		return resp
	default:
		resp := wireResponse{Status: "error"}
		if err != nil {
			resp.Detail = err.Error()
		}
		return resp
	}
}

func (s *Server) handleUnload(ctx context.Context, wire wireRequest) wireResponse {
	res, err := s.mgr.UnloadModel(ctx, wire.ModelID)
	switch res {
	case UnloadUnloaded:
		return wireResponse{Status: "unloaded"}
	case UnloadNotLoaded:
		return wireResponse{Status: "not_loaded"}
	default:
		resp := wireResponse{Status: "error"}
		if err != nil {
			resp.Detail = err.Error()
		}
		return resp
	}
}

func (s *Server) handleStatus(wire wireRequest) wireResponse {
	var payload any
	if wire.ModelID != "" {
		rec, err := s.mgr.Status(wire.ModelID)
		if err != nil {
			if errors.Is(err, ErrUnknownModel) {
				return wireResponse{Status: "error", Detail: err.Error()}
			}
			return wireResponse{Status: "error", Detail: err.Error()}
		}
		payload = rec
	} else {
		payload = s.mgr.StatusAll()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return wireResponse{Status: "error", Detail: err.Error()}
	}
	return wireResponse{Status: "ok", Data: data}
}

func (s *Server) handleInfer(ctx context.Context, wire wireRequest) wireResponse {
	out, err := s.mgr.Infer(ctx, wire.ModelID, wire.Payload, "")
	if err != nil {
		return wireResponse{Status: "error", Detail: err.Error()}
	}
	return wireResponse{Status: "ok", Data: out}
}
