// Copyright (C) 2020 VMware, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session implements the client side of the BuildKit control
// session: a long running connection over which the daemon calls back
// into services hosted by this process (file sync, credentials,
// health) while a build is in flight.
package session

import (
	"context"
	"net"
	"sync"

	controlapi "github.com/moby/buildkit/api/services/control"
	"github.com/pkg/errors"
	"github.com/rbuildkit/buildkit-client/pkg/session/grpchijack"
	"github.com/rbuildkit/buildkit-client/pkg/session/tunnel"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Header names the daemon inspects on the outer Control.Session call (and
// again on the Solve call that references the resulting session) to decide
// which callbacks it is permitted to make.
const (
	HeaderSessionID        = "x-docker-expose-session-uuid"
	HeaderSessionName      = "x-docker-expose-session-name"
	HeaderSessionSharedKey = "x-docker-expose-session-sharedkey"
	HeaderSessionMethod    = "x-docker-expose-session-grpc-method"
)

// State is the lifecycle stage of a Session. Terminated is absorbing.
type State int

const (
	StateNew State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Attachable is a gRPC service that can be hosted on a Session's inner
// server. File sync and auth handlers implement this; the health service
// is registered by the tunnel server itself.
type Attachable interface {
	Register(*grpc.Server)
}

// SessionClient is the subset of control.ControlClient this package needs:
// the ability to open the bidirectional Session call. It is satisfied
// directly by control.ControlClient, and narrowed here so tests can supply
// a fake.
type SessionClient interface {
	Session(ctx context.Context, opts ...grpc.CallOption) (controlapi.Control_SessionClient, error)
}

// Session is a long running connection between this process and the
// daemon, hosting an inner gRPC server the daemon calls back into.
type Session struct {
	id        string
	name      string
	sharedKey string

	grpcServer *tunnel.Server

	mu     sync.Mutex
	state  State
	conn   net.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a new session, not yet started. name is a human readable
// label for logs; sharedKey binds a build's context source to this
// session (the build package embeds it in the local context reference).
func New(id, name, sharedKey string) *Session {
	return &Session{
		id:         id,
		name:       name,
		sharedKey:  sharedKey,
		grpcServer: tunnel.NewServer(),
		state:      StateNew,
	}
}

// Allow exposes an Attachable's methods on this session's inner server.
// Must be called before Run; the registered set is read-only thereafter.
func (s *Session) Allow(a Attachable) {
	s.grpcServer.Allow(a)
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// SharedKey returns the session's shared key.
func (s *Session) SharedKey() string { return s.sharedKey }

// Name returns the session's human readable name.
func (s *Session) Name() string { return s.name }

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExposedMethods returns the sorted set of inner gRPC method paths this
// session will advertise and serve. The build package's request composer
// must emit the identical set on the Solve call's session headers.
func (s *Session) ExposedMethods() []string {
	return s.grpcServer.ExposedMethods()
}

// Metadata returns the gRPC outgoing metadata this session attaches to
// both the Session stream and, later, the Solve call referencing it.
func (s *Session) Metadata() metadata.MD {
	md := metadata.MD{
		HeaderSessionID:        []string{s.id},
		HeaderSessionName:      []string{s.name},
		HeaderSessionSharedKey: []string{s.sharedKey},
	}
	if methods := s.ExposedMethods(); len(methods) > 0 {
		md[HeaderSessionMethod] = methods
	}
	return md
}

// Run opens the outer Session call on client, attaches identity metadata,
// and serves the inner gRPC server over the resulting byte-frame tunnel
// until the outer stream ends, the context is cancelled, or a fatal
// transport error occurs. Run blocks; call Close from another goroutine
// to tear the session down early. A second call to Run returns an error.
func (s *Session) Run(ctx context.Context, client SessionClient) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.state != StateNew {
		s.mu.Unlock()
		return errors.Errorf("session %s already %s", s.id, s.state)
	}
	s.state = StateRunning
	s.done = make(chan struct{})
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state = StateTerminated
		close(s.done)
		s.mu.Unlock()
	}()

	ctx = metadata.NewOutgoingContext(ctx, s.Metadata())

	stream, err := client.Session(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to open Control.Session stream")
	}

	conn := grpchijack.Dialer(stream)
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	logrus.Debugf("session %s: tunnel established, serving %d inner methods", s.id, len(s.ExposedMethods()))
	err = s.grpcServer.Serve(ctx, conn)
	logrus.Debugf("session %s: tunnel closed: %v", s.id, err)
	return err
}

// Close tears the session down. Idempotent, and safe to call concurrently
// with Run (which will then return promptly with the context's
// cancellation error).
func (s *Session) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	s.grpcServer.Stop()
	if done != nil {
		<-done
	}
	return nil
}

// MethodURL builds a gRPC method path from a service and method name, the
// same format advertised on HeaderSessionMethod and used for routing
// inside the tunnel.
func MethodURL(service, method string) string {
	return "/" + service + "/" + method
}
