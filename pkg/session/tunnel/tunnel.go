// Copyright (C) 2020 VMware, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tunnel hosts a gRPC server over a single already-established
// net.Conn (normally one produced by grpchijack.Dialer). This is the
// inversion at the heart of a BuildKit session: the daemon is the gRPC
// server for the outer Control.Session call, but a gRPC *client* for
// everything tunnelled inside it, so this process must run a real HTTP/2
// server endpoint despite being the dialing side at the transport level.
//
// Routing, per-stream framing, and trailer discipline are all handled by
// golang.org/x/net/http2 and google.golang.org/grpc themselves: Allow
// registers an Attachable's methods on the underlying *grpc.Server using
// its generated ServiceDesc (the "small, explicit routing table keyed by
// path" this construct needs), and grpc-go guarantees every RPC -
// unary or streaming, success or failure - ends with HTTP/2 trailers
// carrying grpc-status.
package tunnel

import (
	"context"
	"net"
	"sort"
	"sync"

	"golang.org/x/net/http2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Attachable is a gRPC service that can be registered on a Server.
type Attachable interface {
	Register(*grpc.Server)
}

// Server is the inner HTTP/2 gRPC server for a single session.
type Server struct {
	grpcServer *grpc.Server

	mu      sync.Mutex
	methods []string
}

// NewServer returns a Server with no services registered beyond the
// standard gRPC health check, which every session exposes so the daemon
// can confirm the tunnel is alive before issuing callbacks over it.
func NewServer(opts ...grpc.ServerOption) *Server {
	s := &Server{grpcServer: grpc.NewServer(opts...)}
	grpc_health_v1.RegisterHealthServer(s.grpcServer, health.NewServer())
	return s
}

// Allow registers a.
func (s *Server) Allow(a Attachable) {
	a.Register(s.grpcServer)
}

// ExposedMethods returns the sorted set of "/service/Method" paths this
// server will route, derived from the registered service descriptors.
// Callers advertise this same set on the outer session's headers so the
// daemon knows which callbacks it may make (see the session package).
func (s *Server) ExposedMethods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.methods != nil {
		return s.methods
	}
	var methods []string
	for name, info := range s.grpcServer.GetServiceInfo() {
		for _, m := range info.Methods {
			methods = append(methods, "/"+name+"/"+m.Name)
		}
	}
	sort.Strings(methods)
	s.methods = methods
	return methods
}

// Serve drives the HTTP/2 server endpoint over conn until the connection
// is closed or ctx is cancelled, whichever comes first. It always
// returns once conn reaches EOF; a cancelled context forces that by
// closing conn itself.
func (s *Server) Serve(ctx context.Context, conn net.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	(&http2.Server{}).ServeConn(conn, &http2.ServeConnOpts{Handler: s.grpcServer})

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// Stop halts the gRPC server, aborting any inner calls in flight.
func (s *Server) Stop() {
	s.grpcServer.Stop()
}
