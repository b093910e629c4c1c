// Copyright (C) 2020 VMware, Inc.
// SPDX-License-Identifier: Apache-2.0
package filesync

import (
	"io/fs"
	"os"

	"github.com/tonistiigi/fsutil/types"
)

const (
	modeDir  uint32 = 0o040000
	modeLink uint32 = 0o120000
	modeReg  uint32 = 0o100000
)

// statFor builds the wire Stat record for one walked entry. relPath is
// already relative and forward-slash joined; absPath is where the entry
// actually lives on disk, needed to resolve symlink targets.
func statFor(relPath, absPath string, info os.FileInfo) (*types.Stat, error) {
	perm := uint32(info.Mode().Perm())

	st := &types.Stat{
		Path:    relPath,
		ModTime: info.ModTime().UnixNano(),
	}

	switch {
	case info.IsDir():
		st.Mode = modeDir | perm
	case info.Mode()&fs.ModeSymlink != 0:
		link, err := os.Readlink(absPath)
		if err != nil {
			return nil, err
		}
		st.Mode = modeLink | perm
		st.Linkname = link
	case info.Mode()&fs.ModeCharDevice != 0:
		st.Mode = 0o020000 | perm
	case info.Mode()&fs.ModeDevice != 0:
		st.Mode = 0o060000 | perm
	default:
		st.Mode = modeReg | perm
		st.Size = info.Size()
	}

	fillPlatformStat(st, info)
	return st, nil
}

// isRegular reports whether an entry is eligible to be the target of a
// REQ — only plain files are ever placed in the id-to-path map.
func isRegular(info os.FileInfo) bool {
	return info.Mode().IsRegular()
}
