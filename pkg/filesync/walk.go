// Copyright (C) 2020 VMware, Inc.
// SPDX-License-Identifier: Apache-2.0
package filesync

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/docker/docker/pkg/fileutils"
	"github.com/pkg/errors"
	"github.com/tonistiigi/fsutil/types"
)

// entry is one pre-order walk result: its assigned id, wire Stat, and
// (for regular files only) the absolute path to read on a REQ.
type entry struct {
	id   uint32
	stat *types.Stat
	path string // absolute; empty for directories and symlinks
}

// walk produces the pre-order entry list for a Source: every directory's
// Stat precedes its children's, IDs are assigned in emission order
// starting at 0, the root itself is never emitted, and anything matched
// by the ignore list - along with its descendants, for directories - is
// skipped entirely.
func walk(src Source) ([]entry, error) {
	pm, err := src.matcher()
	if err != nil {
		return nil, err
	}

	var entries []entry
	var nextID uint32

	var walkDir func(relDir, absDir string, parentMatchInfo fileutils.MatchInfo) error
	walkDir = func(relDir, absDir string, parentMatchInfo fileutils.MatchInfo) error {
		children, err := os.ReadDir(absDir)
		if err != nil {
			return errors.Wrapf(err, "reading directory %s", absDir)
		}
		sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })

		for _, child := range children {
			relPath := child.Name()
			if relDir != "" {
				relPath = relDir + "/" + relPath
			}
			absPath := filepath.Join(absDir, child.Name())

			info, err := child.Info()
			if err != nil {
				return errors.Wrapf(err, "stat %s", absPath)
			}

			matchInfo := parentMatchInfo
			excluded := false
			if pm != nil {
				excluded, matchInfo, err = pm.MatchesUsingParentResults(relPath, parentMatchInfo)
				if err != nil {
					return errors.Wrapf(err, "matching exclude patterns against %s", relPath)
				}
			}
			if excluded {
				continue
			}

			st, err := statFor(relPath, absPath, info)
			if err != nil {
				return errors.Wrapf(err, "building stat for %s", relPath)
			}

			id := nextID
			nextID++

			e := entry{id: id, stat: st}
			if isRegular(info) {
				e.path = absPath
			}
			entries = append(entries, e)

			if info.IsDir() {
				if err := walkDir(relPath, absPath, matchInfo); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walkDir("", src.Root, fileutils.MatchInfo{}); err != nil {
		return nil, err
	}
	return entries, nil
}
