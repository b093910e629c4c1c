// Copyright (C) 2020 VMware, Inc.
// SPDX-License-Identifier: Apache-2.0
package build

import (
	"strings"

	"github.com/containerd/containerd/platforms"
	"github.com/pkg/errors"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// ParsePlatforms parses a list of comma-separated platform specs (as
// accepted on the command line, e.g. "linux/amd64,linux/arm64") into a
// flat, order-preserving list of OCI platforms.
func ParsePlatforms(specList []string) ([]specs.Platform, error) {
	var out []specs.Platform
	for _, group := range specList {
		for _, s := range strings.Split(group, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			p, err := platforms.Parse(s)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing platform %q", s)
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// FormatPlatforms renders platforms back into the daemon's comma-joined
// frontend attribute form.
func FormatPlatforms(ps []specs.Platform) string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, platforms.Format(p))
	}
	return strings.Join(out, ",")
}
