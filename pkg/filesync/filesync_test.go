// Copyright (C) 2020 VMware, Inc.
// SPDX-License-Identifier: Apache-2.0
package filesync

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tonistiigi/fsutil/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// fakeDiffCopyServer drives a Provider.DiffCopy call without any real
// transport: inbound holds packets to hand back from RecvMsg in order,
// and every SendMsg is recorded to sent.
type fakeDiffCopyServer struct {
	ctx context.Context
	grpc.ServerStream

	mu      sync.Mutex
	inbound []*types.Packet
	sent    []*types.Packet
}

func (f *fakeDiffCopyServer) Context() context.Context { return f.ctx }

func (f *fakeDiffCopyServer) SendMsg(m interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := m.(*types.Packet)
	cp := *p
	cp.Data = append([]byte(nil), p.Data...)
	f.sent = append(f.sent, &cp)
	return nil
}

func (f *fakeDiffCopyServer) RecvMsg(m interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbound) == 0 {
		return io.EOF
	}
	next := f.inbound[0]
	f.inbound = f.inbound[1:]
	*m.(*types.Packet) = *next
	return nil
}

func newFakeStream(dirName string, inbound ...*types.Packet) *fakeDiffCopyServer {
	md := metadata.MD{}
	if dirName != "" {
		md.Set(dirNameKey, dirName)
	}
	return &fakeDiffCopyServer{
		ctx:     metadata.NewIncomingContext(context.Background(), md),
		inbound: inbound,
	}
}

func writeTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("world"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ignored.log"), []byte("skip me"), 0o644))
}

func TestDiffCopyEmitsFilteredStatsThenFin(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	p := NewProvider(Source{
		Name:            "context",
		Root:            root,
		ExcludePatterns: []string{"*.log"},
	})

	stream := newFakeStream("context", &types.Packet{Type: types.PACKET_FIN})
	err := p.DiffCopy(stream)
	require.NoError(t, err)

	var stats []*types.Packet
	for _, pkt := range stream.sent {
		if pkt.Type == types.PACKET_STAT {
			stats = append(stats, pkt)
		}
	}
	// 3 real entries (a.txt, sub, sub/b.txt) plus the terminator.
	require.Len(t, stats, 4)
	require.Nil(t, stats[len(stats)-1].Stat, "terminator stat must carry no Stat payload")

	for _, pkt := range stats[:len(stats)-1] {
		require.NotEqual(t, "ignored.log", pkt.Stat.Path)
	}

	require.Equal(t, types.PACKET_FIN, stream.sent[len(stream.sent)-1].Type)
}

func TestDiffCopyServesFileContentOnRequest(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	p := NewProvider(Source{Name: "context", Root: root})

	var fileID uint32
	probe := newFakeStream("context")
	require.NoError(t, walkInto(probe, p))
	for _, pkt := range probe.sent {
		if pkt.Type == types.PACKET_STAT && pkt.Stat != nil && pkt.Stat.Path == "a.txt" {
			fileID = pkt.ID
		}
	}

	stream := newFakeStream("context",
		&types.Packet{Type: types.PACKET_REQ, ID: fileID},
		&types.Packet{Type: types.PACKET_FIN},
	)
	require.NoError(t, p.DiffCopy(stream))

	var data []byte
	var sawTerminalData, finAfterData bool
	for i, pkt := range stream.sent {
		if pkt.Type == types.PACKET_DATA && pkt.ID == fileID {
			if len(pkt.Data) == 0 {
				sawTerminalData = true
				continue
			}
			require.False(t, sawTerminalData, "no DATA should follow the file's terminal empty DATA")
			data = append(data, pkt.Data...)
		}
		if pkt.Type == types.PACKET_FIN {
			finAfterData = i == len(stream.sent)-1
		}
	}
	require.Equal(t, "hello", string(data))
	require.True(t, sawTerminalData)
	require.True(t, finAfterData, "own FIN must be the last packet sent")
}

func TestDiffCopyReportsUnknownRequestID(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)
	p := NewProvider(Source{Name: "context", Root: root})

	stream := newFakeStream("context",
		&types.Packet{Type: types.PACKET_REQ, ID: 9999},
		&types.Packet{Type: types.PACKET_FIN},
	)
	require.NoError(t, p.DiffCopy(stream))

	var sawErr bool
	for _, pkt := range stream.sent {
		if pkt.Type == types.PACKET_ERR {
			sawErr = true
		}
	}
	require.True(t, sawErr)
}

func TestDiffCopyAbortsCallOnUnreadableMappedFile(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)
	p := NewProvider(Source{Name: "context", Root: root})

	var fileID uint32
	probe := newFakeStream("context")
	require.NoError(t, walkInto(probe, p))
	for _, pkt := range probe.sent {
		if pkt.Type == types.PACKET_STAT && pkt.Stat != nil && pkt.Stat.Path == "a.txt" {
			fileID = pkt.ID
		}
	}

	// The id is legitimately mapped, but the file disappears from under
	// the handler before the REQ arrives - this must abort the whole
	// call with an error rather than only answer with an ERR packet the
	// way an unknown id does.
	require.NoError(t, os.Remove(filepath.Join(root, "a.txt")))

	stream := newFakeStream("context",
		&types.Packet{Type: types.PACKET_REQ, ID: fileID},
		&types.Packet{Type: types.PACKET_FIN},
	)
	err := p.DiffCopy(stream)
	require.Error(t, err)

	for _, pkt := range stream.sent {
		require.NotEqual(t, types.PACKET_FIN, pkt.Type, "handler must not emit its own FIN after aborting")
	}
}

func TestDiffCopyUnknownSourceRejected(t *testing.T) {
	p := NewProvider(Source{Name: "context", Root: t.TempDir()})
	stream := newFakeStream("dockerfile", &types.Packet{Type: types.PACKET_FIN})
	err := p.DiffCopy(stream)
	require.Error(t, err)
}

func TestDiffCopyPeerEOFTreatedAsFin(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)
	p := NewProvider(Source{Name: "context", Root: root})

	stream := newFakeStream("context") // no inbound packets: RecvMsg returns io.EOF immediately
	err := p.DiffCopy(stream)
	require.NoError(t, err)
	require.Equal(t, types.PACKET_FIN, stream.sent[len(stream.sent)-1].Type)
}

// walkInto runs a whole DiffCopy call against a throwaway stream whose
// only inbound packet is FIN, so no file is served; used by tests that
// need to learn an id from the emitted stats before issuing a real REQ.
func walkInto(stream *fakeDiffCopyServer, p *Provider) error {
	stream.inbound = []*types.Packet{{Type: types.PACKET_FIN}}
	return p.DiffCopy(stream)
}
