// Copyright (C) 2020 VMware, Inc.
// SPDX-License-Identifier: Apache-2.0
package filesync

import "strings"

// newLineReader presents a slice of pattern lines as the newline
// delimited document dockerignore.ReadAll expects, so callers can supply
// patterns already split (e.g. read from a config file elsewhere)
// without round-tripping through a real .dockerignore file.
func newLineReader(lines []string) *strings.Reader {
	return strings.NewReader(strings.Join(lines, "\n") + "\n")
}
