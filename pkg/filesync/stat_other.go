// Copyright (C) 2020 VMware, Inc.
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package filesync

import (
	"os"

	"github.com/tonistiigi/fsutil/types"
)

// fillPlatformStat is a no-op off Linux: uid/gid/device fields are left
// zero, as the spec allows ("otherwise zero").
func fillPlatformStat(st *types.Stat, info os.FileInfo) {}
