// Copyright (C) 2020 VMware, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package build composes the daemon's Solve request: the reference to a
// build context (local or remote), the dockerfile frontend's attributes,
// export directives, and the session-binding headers that tie the call
// back to a running session.Session.
package build

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/docker/distribution/reference"
	controlapi "github.com/moby/buildkit/api/services/control"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"github.com/rbuildkit/buildkit-client/pkg/session"
)

// dockerfileFrontend is the fixed frontend image reference the daemon
// resolves for ordinary Dockerfile builds.
const dockerfileFrontend = "dockerfile.v0"

// Context describes where the build's filesystem context comes from.
type Context struct {
	// Local, when true, means the context lives on this machine and will
	// be served over the session's FileSync handler. Remote is ignored.
	Local bool

	// Remote is a VCS URL (with an optional "#ref" fragment) used when
	// Local is false - cloned by the daemon itself, never touching this
	// process's filesystem.
	Remote string

	// RemoteToken, if set, is a credential the Auth handler must be able
	// to serve for Remote's host so the daemon can clone a private repo.
	RemoteToken string
}

// Export is the build's single output destination: an image pushed or
// loaded into a local engine, or a filesystem/OCI layout written to
// disk. The daemon generation this package targets accepts only one
// exporter per Solve call.
type Export struct {
	Type  string // "image", "docker", "oci", "local", ...
	Tags  []string
	Push  bool
	Attrs map[string]string
}

// Request is everything needed to compose a Solve call for one build.
type Request struct {
	Context Context

	Dockerfile string // path within the context, defaults to "Dockerfile"
	Target     string
	BuildArgs  map[string]string
	Labels     map[string]string
	Platforms  []specs.Platform
	NoCache    bool

	CacheFrom []controlapi.CacheOptionsEntry
	CacheTo   []controlapi.CacheOptionsEntry

	Export Export
}

// Compose builds the *controlapi.SolveRequest for req, bound to sess.
// solveRef is not read: the request's Ref field carries the context
// reference built by contextRef, and the build is bound to the session
// through Session.
func Compose(sess *session.Session, solveRef string, req Request) (*controlapi.SolveRequest, error) {
	if sess == nil {
		return nil, errors.New("compose: session is required")
	}

	ref, err := contextRef(sess, req.Context)
	if err != nil {
		return nil, err
	}

	attrs := map[string]string{
		"filename": dockerfileName(req.Dockerfile),
	}
	if req.Target != "" {
		attrs["target"] = req.Target
	}
	if req.NoCache {
		attrs["no-cache"] = ""
	}
	for k, v := range req.BuildArgs {
		attrs["build-arg:"+k] = v
	}
	for k, v := range req.Labels {
		attrs["label:"+k] = v
	}
	if len(req.Platforms) > 0 {
		attrs["platform"] = FormatPlatforms(req.Platforms)
		if len(req.Platforms) > 1 {
			attrs["multi-platform"] = "true"
		}
	}

	exporter, exporterAttrs := composeExport(req.Export)

	return &controlapi.SolveRequest{
		Ref:           ref,
		Session:       sess.ID(),
		Frontend:      dockerfileFrontend,
		FrontendAttrs: attrs,
		Exporter:      exporter,
		ExporterAttrs: exporterAttrs,
		Cache: controlapi.CacheOptions{
			Exports: req.CacheTo,
			Imports: req.CacheFrom,
		},
	}, nil
}

// RemoteHost extracts the hostname component of a remote VCS context
// URL - the key a caller must use in its credential table so the Auth
// handler can serve Context.RemoteToken when the daemon clones it.
func RemoteHost(remote string) (string, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return "", errors.Wrapf(err, "parsing remote context %q", remote)
	}
	if u.Host == "" {
		return "", errors.Errorf("remote context %q has no host", remote)
	}
	return u.Host, nil
}

// contextRef picks the reference string identifying the build context,
// binding it to sess when the context is local.
func contextRef(sess *session.Session, c Context) (string, error) {
	switch {
	case c.Local:
		return fmt.Sprintf("input:%s:context", sess.SharedKey()), nil
	case c.Remote != "":
		return c.Remote, nil
	default:
		return "", errors.New("compose: context must be either local or a remote VCS url")
	}
}

// SessionHeaders returns the exact header set the outer Solve call must
// carry, identical to the Session stream's own (see session.Metadata) -
// a mismatch here is what produces the daemon's "no active session"
// rejection described for this component.
func SessionHeaders(sess *session.Session) map[string][]string {
	md := sess.Metadata()
	out := make(map[string][]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

func dockerfileName(path string) string {
	if path == "" {
		return "Dockerfile"
	}
	return path
}

// composeExport translates an Export into the exporter name and attrs
// the daemon expects, auto-enabling insecure-registry handling for
// LAN-looking tags.
func composeExport(e Export) (string, map[string]string) {
	if e.Type == "" {
		return "", nil
	}

	attrs := make(map[string]string, len(e.Attrs)+2)
	for k, v := range e.Attrs {
		attrs[k] = v
	}
	if len(e.Tags) > 0 {
		attrs["name"] = strings.Join(e.Tags, ",")
	}
	if e.Push {
		attrs["push"] = "true"
	}
	for _, tag := range e.Tags {
		if host := registryHost(tag); host != "" && insecureHost(host) {
			attrs["registry.insecure"] = "true"
			break
		}
	}
	return e.Type, attrs
}

// registryHost extracts the registry hostname component of an image
// reference using the same normalization docker itself applies (an
// implicit registry resolves to "docker.io", which insecureHost always
// treats as secure).
func registryHost(tag string) string {
	named, err := reference.ParseNormalizedNamed(tag)
	if err != nil {
		return ""
	}
	return reference.Domain(named)
}

// insecureHost reports whether host looks like a LAN/dev registry that
// needs plain-HTTP or self-signed-TLS handling: localhost, a loopback
// IP, or a single-label hostname (no dots) - real public registries are
// always multi-label DNS names.
func insecureHost(host string) bool {
	h := host
	if hostname, _, err := net.SplitHostPort(host); err == nil {
		h = hostname
	}
	if h == "localhost" {
		return true
	}
	if ip := net.ParseIP(h); ip != nil {
		return ip.IsLoopback()
	}
	return !strings.Contains(h, ".")
}
