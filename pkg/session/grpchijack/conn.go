// Copyright (C) 2020 VMware, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package grpchijack adapts the outer Control.Session byte-stream call
// into a net.Conn, so that a standard HTTP/2 server (and, through it, a
// stock *grpc.Server) can be driven over it without knowing anything
// about the outer gRPC framing.
package grpchijack

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	controlapi "github.com/moby/buildkit/api/services/control"
	"github.com/sirupsen/logrus"
)

// channelBufferSize bounds how far the byte-frame pumps may run ahead of
// the HTTP/2 server's Read/Write calls in either direction.
const channelBufferSize = 128

// stream is the subset of control.Control_SessionClient this package
// needs. It is satisfied directly by the generated client stream.
type stream interface {
	Context() context.Context
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
	CloseSend() error
}

// Dialer turns the client side of an already-open Control.Session call
// into a net.Conn carrying the inner HTTP/2 byte stream. Ordering within
// each direction is preserved; no framing is interpreted.
func Dialer(s stream) net.Conn {
	c := &conn{
		stream:   s,
		outbound: make(chan []byte, channelBufferSize),
		inbound:  make(chan []byte, channelBufferSize),
		closed:   make(chan struct{}),
	}
	c.wg.Add(2)
	go c.pumpOutbound()
	go c.pumpInbound()
	return c
}

// conn implements net.Conn over a pair of buffered byte-frame channels
// fed by/draining into the outer gRPC stream.
type conn struct {
	stream stream

	outbound chan []byte // frames queued to SendMsg
	inbound  chan []byte // frames received via RecvMsg, awaiting Read

	readMu  sync.Mutex
	pending []byte // leftover from a frame only partially consumed by Read

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	wg sync.WaitGroup
}

var _ net.Conn = (*conn)(nil)

// pumpOutbound drains queued writes into the outer stream's Send.
func (c *conn) pumpOutbound() {
	defer c.wg.Done()
	for {
		select {
		case b := <-c.outbound:
			if err := c.stream.SendMsg(&controlapi.BytesMessage{Data: b}); err != nil {
				logrus.Debugf("grpchijack: outbound send failed: %v", err)
				c.fail(err)
				return
			}
		case <-c.closed:
			c.stream.CloseSend()
			return
		}
	}
}

// pumpInbound pulls frames off the outer stream's Recv and hands them to
// Read via the inbound channel, closing it (and the connection) on EOF or
// error.
func (c *conn) pumpInbound() {
	defer c.wg.Done()
	defer close(c.inbound)
	for {
		bm := &controlapi.BytesMessage{}
		err := c.stream.RecvMsg(bm)
		if err != nil {
			if err != io.EOF {
				logrus.Debugf("grpchijack: inbound recv failed: %v", err)
				c.fail(err)
			}
			return
		}
		if len(bm.Data) == 0 {
			continue
		}
		select {
		case c.inbound <- bm.Data:
		case <-c.closed:
			return
		}
	}
}

func (c *conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
	})
}

// Read implements partial reads over whatever byte-frame is currently at
// the head of the inbound queue.
func (c *conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.pending) == 0 {
		select {
		case b, ok := <-c.inbound:
			if !ok {
				if c.closeErr != nil {
					return 0, c.closeErr
				}
				return 0, io.EOF
			}
			c.pending = b
		case <-c.closed:
			if c.closeErr != nil {
				return 0, c.closeErr
			}
			return 0, io.EOF
		}
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write queues the entire buffer as a single outbound byte-frame; partial
// writes are never produced.
func (c *conn) Write(p []byte) (int, error) {
	b := make([]byte, len(p))
	copy(b, p)
	select {
	case c.outbound <- b:
		return len(p), nil
	case <-c.closed:
		if c.closeErr != nil {
			return 0, c.closeErr
		}
		return 0, io.ErrClosedPipe
	}
}

// Close shuts down both pumps and releases the underlying stream.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	c.wg.Wait()
	return nil
}

func (c *conn) LocalAddr() net.Addr  { return tunnelAddr{} }
func (c *conn) RemoteAddr() net.Addr { return tunnelAddr{} }

// Deadlines are not meaningful over a channel-backed stream with no
// underlying socket to arm a timer on; callers rely on context
// cancellation instead.
func (c *conn) SetDeadline(time.Time) error      { return nil }
func (c *conn) SetReadDeadline(time.Time) error  { return nil }
func (c *conn) SetWriteDeadline(time.Time) error { return nil }

type tunnelAddr struct{}

func (tunnelAddr) Network() string { return "session-tunnel" }
func (tunnelAddr) String() string  { return "session-tunnel" }
