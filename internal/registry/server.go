// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package registry

import (
	"context"
	"errors"
	"io"

	"github.com/goccy/go-json"

	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/transport"
)

// Subject is the registry's request/reply subject on the fabric. Agents
// learn it from the environment at bootstrap; the registry itself has zero
// dependencies.
const Subject = "meridian.registry"

// wireRequest is the decoded form of a registry request. Op selects the
// variant; unused fields are ignored per op.
type wireRequest struct {
	Op           string         `json:"op"`
	Name         string         `json:"name,omitempty"`
	Host         string         `json:"host,omitempty"`
	Port         int            `json:"port,omitempty"`
	HealthPort   int            `json:"health_port,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Version      string         `json:"version,omitempty"`
	Token        string         `json:"token,omitempty"`
	Filter       Filter         `json:"filter,omitempty"`
	Health       HealthSnapshot `json:"health,omitempty"`
}

// wireResponse is the uniform reply shape.
type wireResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func okResponse(data any) wireResponse {
	if data == nil {
		return wireResponse{Status: "ok"}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return wireResponse{Status: "error", Error: err.Error()}
	}
	return wireResponse{Status: "ok", Data: raw}
}

func errResponse(err error) wireResponse {
	return wireResponse{Status: "error", Error: err.Error()}
}

// Server exposes a Service on the fabric.
type Server struct {
	svc    *Service
	closer io.Closer
}

// NewServer starts serving registry requests on Subject.
func NewServer(t transport.Transport, svc *Service) (*Server, error) {
	s := &Server{svc: svc}
	closer, err := t.Serve(Subject, s.handle)
	if err != nil {
		return nil, err
	}
	s.closer = closer
	return s, nil
}

// Close stops serving.
func (s *Server) Close() error {
	return s.closer.Close()
}

// handle dispatches one wire request. Unknown ops are protocol errors:
// logged, answered with an error status, and otherwise dropped.
func (s *Server) handle(_ context.Context, req transport.Envelope) (transport.Envelope, error) {
	var wire wireRequest
	if err := req.Decode(&wire); err != nil {
		logging.Warn().Err(err).Str("request_id", req.RequestID).Msg("malformed registry request")
		return req.Reply(Subject, "registry_reply", errResponse(transport.ErrProtocolError))
	}

	var resp wireResponse
	switch wire.Op {
	case "register":
		token, err := s.svc.Register(wire.Name, Endpoint{Host: wire.Host, Port: wire.Port},
			wire.HealthPort, wire.Capabilities, wire.Version)
		if err != nil {
			resp = errResponse(err)
		} else {
			resp = okResponse(map[string]string{"token": token})
		}
	case "deregister":
		if err := s.svc.Deregister(wire.Token); err != nil {
			resp = errResponse(err)
		} else {
			resp = okResponse(nil)
		}
	case "resolve":
		entry, err := s.svc.Resolve(wire.Name)
		if err != nil {
			resp = errResponse(err)
			// Unreachable still carries the stale entry for forensics.
			if errors.Is(err, ErrUnreachable) {
				if raw, mErr := json.Marshal(entry); mErr == nil {
					resp.Data = raw
				}
			}
		} else {
			resp = okResponse(entry)
		}
	case "list":
		entries, err := s.svc.List(wire.Filter)
		if err != nil {
			resp = errResponse(err)
		} else {
			resp = okResponse(entries)
		}
	case "heartbeat":
		if err := s.svc.Heartbeat(wire.Token, wire.Health); err != nil {
			resp = errResponse(err)
		} else {
			resp = okResponse(nil)
		}
	default:
		logging.Warn().Str("op", wire.Op).Msg("unknown registry op")
		resp = errResponse(transport.ErrProtocolError)
	}

	return req.Reply(Subject, "registry_reply", resp)
}
