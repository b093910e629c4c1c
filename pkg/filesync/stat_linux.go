// Copyright (C) 2020 VMware, Inc.
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package filesync

import (
	"os"
	"syscall"

	"github.com/tonistiigi/fsutil/types"
)

// fillPlatformStat adds the uid/gid/device fields that are only
// meaningful (and only cheaply obtainable) on POSIX platforms.
func fillPlatformStat(st *types.Stat, info os.FileInfo) {
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	st.Uid = sys.Uid
	st.Gid = sys.Gid
	if st.Mode&0xF000 == 0o020000 || st.Mode&0xF000 == 0o060000 {
		st.Devmajor = int64(sys.Rdev >> 8 & 0xfff)
		st.Devminor = int64(sys.Rdev&0xff | (sys.Rdev>>12)&0xfff00)
	}
}
