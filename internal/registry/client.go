// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/meridian/internal/transport"
)

// Client talks to a registry server over the fabric. Agents and the
// cross-machine router use it; in-process components call the Service
// directly.
type Client struct {
	t      transport.Transport
	sender string
}

// NewClient creates a registry client identifying as sender.
func NewClient(t transport.Transport, sender string) *Client {
	return &Client{t: t, sender: sender}
}

// call issues one wire request and decodes the uniform response.
func (c *Client) call(ctx context.Context, wire wireRequest, out any) error {
	env, err := transport.NewEnvelope(c.sender, "registry_request", wire)
	if err != nil {
		return err
	}
	reply, err := c.t.Request(ctx, Subject, env)
	if err != nil {
		return fmt.Errorf("registry %s: %w", wire.Op, err)
	}

	var resp wireResponse
	if err := reply.Decode(&resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return wireError(resp.Error)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("%w: registry %s response: %v", transport.ErrProtocolError, wire.Op, err)
		}
	}
	return nil
}

// wireError maps a serialized registry error back to its sentinel so
// errors.Is works across the wire.
func wireError(msg string) error {
	switch {
	case strings.Contains(msg, ErrNameTaken.Error()):
		return fmt.Errorf("%w: %s", ErrNameTaken, msg)
	case strings.Contains(msg, ErrNotFound.Error()):
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case strings.Contains(msg, ErrUnreachable.Error()):
		return fmt.Errorf("%w: %s", ErrUnreachable, msg)
	case strings.Contains(msg, ErrInvalidToken.Error()):
		return fmt.Errorf("%w: %s", ErrInvalidToken, msg)
	default:
		return fmt.Errorf("registry error: %s", msg)
	}
}

// Register binds name to endpoint and returns the registration token.
func (c *Client) Register(ctx context.Context, name string, endpoint Endpoint, healthPort int, capabilities []string, version string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.call(ctx, wireRequest{
		Op:           "register",
		Name:         name,
		Host:         endpoint.Host,
		Port:         endpoint.Port,
		HealthPort:   healthPort,
		Capabilities: capabilities,
		Version:      version,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Token, nil
}

// Deregister releases the binding held by token.
func (c *Client) Deregister(ctx context.Context, token string) error {
	return c.call(ctx, wireRequest{Op: "deregister", Token: token}, nil)
}

// Resolve returns the live entry for name.
func (c *Client) Resolve(ctx context.Context, name string) (Entry, error) {
	var entry Entry
	err := c.call(ctx, wireRequest{Op: "resolve", Name: name}, &entry)
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// List returns entries matching the filter.
func (c *Client) List(ctx context.Context, filter Filter) ([]Entry, error) {
	var entries []Entry
	if err := c.call(ctx, wireRequest{Op: "list", Filter: filter}, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Heartbeat refreshes the binding held by token.
func (c *Client) Heartbeat(ctx context.Context, token string, health HealthSnapshot) error {
	return c.call(ctx, wireRequest{Op: "heartbeat", Token: token, Health: health}, nil)
}
