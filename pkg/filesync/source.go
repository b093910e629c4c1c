// Copyright (C) 2020 VMware, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package filesync implements the daemon-facing half of BuildKit's
// file-synchronization wire protocol: directory walk, stat emission,
// request handling, chunked data streaming, and the termination
// handshake described by the FileSync/DiffCopy method.
package filesync

import (
	"github.com/docker/docker/builder/dockerignore"
	"github.com/docker/docker/pkg/fileutils"
	"github.com/pkg/errors"
)

// Source describes one local directory this process is willing to sync
// to the daemon on request, named the way BuildKit names local mounts
// ("context", "dockerfile", ...).
type Source struct {
	// Name is the local-mount name the daemon selects via the
	// "dir-name" request metadata key.
	Name string
	// Root is the absolute local filesystem path to walk.
	Root string
	// ExcludePatterns holds .dockerignore-style glob lines (comments and
	// negation honored, last-match-wins). A trailing slash is dropped when
	// the patterns are parsed, so "dir/" also matches a file named dir.
	ExcludePatterns []string
}

// matcher compiles a Source's ignore list once, ahead of the walk.
func (s Source) matcher() (*fileutils.PatternMatcher, error) {
	if len(s.ExcludePatterns) == 0 {
		return nil, nil
	}
	patterns, err := dockerignore.ReadAll(newLineReader(s.ExcludePatterns))
	if err != nil {
		return nil, errors.Wrap(err, "parsing exclude patterns")
	}
	if len(patterns) == 0 {
		return nil, nil
	}
	pm, err := fileutils.NewPatternMatcher(patterns)
	if err != nil {
		return nil, errors.Wrap(err, "compiling exclude patterns")
	}
	return pm, nil
}
