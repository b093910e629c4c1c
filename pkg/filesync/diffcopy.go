// Copyright (C) 2020 VMware, Inc.
// SPDX-License-Identifier: Apache-2.0
package filesync

import (
	"context"
	"io"
	"os"

	bkfilesync "github.com/moby/buildkit/session/filesync"
	"github.com/pkg/errors"
	"github.com/tonistiigi/fsutil/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// chunkSize is the reference DATA payload size; the final chunk of a
// file is short whenever its size isn't a multiple of this.
const chunkSize = 32 * 1024

// dirNameKey is the request metadata key the daemon uses to select which
// registered Source to sync, mirroring BuildKit's own local-mount
// selection convention.
const dirNameKey = "dir-name"

// Provider answers FileSync/DiffCopy calls for one or more named local
// directories. The registered set is fixed at construction and read
// thereafter; each call's walk counter and id map live entirely on that
// call's own goroutine.
type Provider struct {
	sources map[string]Source
}

// NewProvider returns a Provider serving the given sources, keyed by
// their Name.
func NewProvider(sources ...Source) *Provider {
	m := make(map[string]Source, len(sources))
	for _, s := range sources {
		m[s.Name] = s
	}
	return &Provider{sources: m}
}

// Register exposes FileSync on server, satisfying session.Attachable.
func (p *Provider) Register(server *grpc.Server) {
	bkfilesync.RegisterFileSyncServer(server, p)
}

func (p *Provider) sourceFor(ctx context.Context) (Source, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	name := "context"
	if v := md.Get(dirNameKey); len(v) == 1 {
		name = v[0]
	}
	src, ok := p.sources[name]
	if !ok {
		return Source{}, errors.Errorf("no local source registered for %q", name)
	}
	return src, nil
}

// DiffCopy walks the requested Source, streams one STAT per entry
// followed by a terminator, then serves REQ/DATA/FIN for the remainder
// of the call.
func (p *Provider) DiffCopy(stream bkfilesync.FileSync_DiffCopyServer) error {
	src, err := p.sourceFor(stream.Context())
	if err != nil {
		return err
	}

	entries, err := walk(src)
	if err != nil {
		return err
	}

	files := make(map[uint32]string, len(entries))
	for _, e := range entries {
		if err := stream.SendMsg(&types.Packet{Type: types.PACKET_STAT, Stat: e.stat}); err != nil {
			return errors.Wrap(err, "sending stat")
		}
		if e.path != "" {
			files[e.id] = e.path
		}
	}
	if err := stream.SendMsg(&types.Packet{Type: types.PACKET_STAT}); err != nil {
		return errors.Wrap(err, "sending stat terminator")
	}

	return serveRequests(stream, files)
}

// TarStream is unused by the protocol this package implements - no known
// caller ever invokes it, mirroring the teacher proxy's own finding.
func (p *Provider) TarStream(stream bkfilesync.FileSync_TarStreamServer) error {
	return errors.New("TarStream is not implemented")
}

// serveRequests runs the read-dispatch loop: REQs are served as they
// arrive, and FIN is answered only after every serve it unblocked has
// completed. peerDone is checked explicitly rather than relying on
// breaking out of the receive loop alone, so the handler never blocks
// waiting on another inbound packet once the peer is done sending them -
// and never emits a DATA packet after its own FIN.
func serveRequests(stream bkfilesync.FileSync_DiffCopyServer, files map[uint32]string) error {
	peerDone := false
	for !peerDone {
		var pkt types.Packet
		err := stream.RecvMsg(&pkt)
		if err == io.EOF {
			// The peer closing its send-side without an explicit FIN
			// packet is treated the same as receiving one.
			break
		}
		if err != nil {
			return errors.Wrap(err, "receiving packet")
		}

		switch pkt.Type {
		case types.PACKET_REQ:
			if err := serveFile(stream, pkt.ID, files); err != nil {
				return err
			}
		case types.PACKET_FIN:
			peerDone = true
		case types.PACKET_ERR:
			return errors.Errorf("peer reported error: %s", pkt.Data)
		default:
			return errors.Errorf("unexpected packet type %d while serving", pkt.Type)
		}
	}
	return stream.SendMsg(&types.Packet{Type: types.PACKET_FIN})
}

// serveFile streams one file's contents in chunkSize pieces, terminated
// by a single empty DATA packet. The caller serves one REQ at a time, so
// no two ids' chunk sequences can interleave on the wire. An id with no
// matching path (a directory, a symlink, or one the walk never assigned)
// is reported back as ERR rather than failing the whole call; an open or
// read failure on a path that *is* mapped is reported as ERR and then
// aborts the whole call, since at that point the failure is the local
// filesystem's, not a protocol mismatch the peer could have avoided.
func serveFile(stream bkfilesync.FileSync_DiffCopyServer, id uint32, files map[uint32]string) error {
	path, ok := files[id]
	if !ok {
		return stream.SendMsg(&types.Packet{Type: types.PACKET_ERR, ID: id, Data: []byte("unknown id")})
	}

	f, err := os.Open(path)
	if err != nil {
		stream.SendMsg(&types.Packet{Type: types.PACKET_ERR, ID: id, Data: []byte(err.Error())})
		return errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if sendErr := stream.SendMsg(&types.Packet{Type: types.PACKET_DATA, ID: id, Data: append([]byte(nil), buf[:n]...)}); sendErr != nil {
				return errors.Wrap(sendErr, "sending data")
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			stream.SendMsg(&types.Packet{Type: types.PACKET_ERR, ID: id, Data: []byte(err.Error())})
			return errors.Wrapf(err, "reading %s", path)
		}
	}
	return stream.SendMsg(&types.Packet{Type: types.PACKET_DATA, ID: id})
}
