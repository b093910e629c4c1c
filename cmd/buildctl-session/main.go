// Copyright (C) 2020 VMware, Inc.
// SPDX-License-Identifier: Apache-2.0

// Command buildctl-session is a minimal standalone client that opens a
// BuildKit control session against a daemon, serves a local build
// context and registry credentials over it, and issues a single Solve
// call bound to that session.
package main

import (
	"context"
	"net"
	"os"
	"strings"

	controlapi "github.com/moby/buildkit/api/services/control"
	"github.com/google/uuid"
	"github.com/rbuildkit/buildkit-client/pkg/auth"
	"github.com/rbuildkit/buildkit-client/pkg/build"
	"github.com/rbuildkit/buildkit-client/pkg/filesync"
	"github.com/rbuildkit/buildkit-client/pkg/session"
	"github.com/rbuildkit/buildkit-client/version"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

func main() {
	if err := doMain(context.Background()); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

type options struct {
	addr        string
	contextDir  string
	remote      string
	remoteToken string
	dockerfile  string
	target      string
	tags        []string
	push        bool
	platforms   []string
	debug       bool
}

func doMain(ctx context.Context) error {
	pflag.CommandLine = pflag.NewFlagSet("buildctl-session", pflag.ExitOnError)
	opt := &options{}

	root := &cobra.Command{
		Use:   "buildctl-session [OPTIONS]",
		Short: "Build an image by hosting a BuildKit client session",
	}

	buildCmd := &cobra.Command{
		Use:          "build",
		Short:        "run a single build against a BuildKit daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opt.debug {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return runBuild(ctx, opt)
		},
	}
	flags := buildCmd.Flags()
	flags.StringVar(&opt.addr, "addr", "/run/buildkit/buildkitd.sock", "buildkitd control socket")
	flags.StringVar(&opt.contextDir, "context", ".", "local build context directory")
	flags.StringVar(&opt.remote, "remote", "", "remote VCS build context URL, e.g. https://github.com/org/repo.git#main (overrides --context)")
	flags.StringVar(&opt.remoteToken, "remote-token", "", "credential token the daemon presents when cloning --remote")
	flags.StringVar(&opt.dockerfile, "file", "Dockerfile", "dockerfile path, relative to context")
	flags.StringVar(&opt.target, "target", "", "build stage to target")
	flags.StringSliceVar(&opt.tags, "tag", nil, "image tags to export")
	flags.BoolVar(&opt.push, "push", false, "push the exported image")
	flags.StringSliceVar(&opt.platforms, "platform", nil, "target platforms, e.g. linux/amd64,linux/arm64")
	flags.BoolVar(&opt.debug, "debug", false, "enable debug level logging")

	root.AddCommand(buildCmd, &cobra.Command{
		Use:   "version",
		Short: "print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			logrus.Infof("buildctl-session %s", version.GetVersionString())
			return nil
		},
	})
	return root.Execute()
}

func runBuild(ctx context.Context, opt *options) error {
	conn, err := grpc.DialContext(ctx, opt.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", addr)
		}),
	)
	if err != nil {
		return errors.Wrap(err, "dialing buildkitd")
	}
	defer conn.Close()

	control := controlapi.NewControlClient(conn)

	buildCtx := build.Context{Local: true}
	creds := map[string]auth.Credential{}
	if opt.remote != "" {
		buildCtx = build.Context{Remote: opt.remote, RemoteToken: opt.remoteToken}
		if opt.remoteToken != "" {
			host, err := build.RemoteHost(opt.remote)
			if err != nil {
				return err
			}
			creds[host] = auth.Credential{IdentityToken: opt.remoteToken}
		}
	}

	sess := session.New(uuid.NewString(), "buildctl-session", uuid.NewString())
	sess.Allow(filesync.NewProvider(filesync.Source{
		Name:            "context",
		Root:            opt.contextDir,
		ExcludePatterns: readDockerignore(opt.contextDir),
	}))
	sess.Allow(auth.NewCredentialProvider(creds))

	sessionErr := make(chan error, 1)
	go func() { sessionErr <- sess.Run(ctx, control) }()
	defer sess.Close()

	platforms, err := build.ParsePlatforms(opt.platforms)
	if err != nil {
		return err
	}

	req, err := build.Compose(sess, uuid.NewString(), build.Request{
		Context:    buildCtx,
		Dockerfile: opt.dockerfile,
		Target:     opt.target,
		Platforms:  platforms,
		Export: build.Export{
			Type: "image",
			Tags: opt.tags,
			Push: opt.push,
		},
	})
	if err != nil {
		return err
	}

	solveCtx := metadata.NewOutgoingContext(ctx, metadata.New(nil))
	for k, vs := range build.SessionHeaders(sess) {
		for _, v := range vs {
			solveCtx = metadata.AppendToOutgoingContext(solveCtx, k, v)
		}
	}

	resp, err := control.Solve(solveCtx, req)
	if err != nil {
		return errors.Wrap(err, "solve failed")
	}
	logrus.Infof("build complete: %d exporter response fields", len(resp.ExporterResponse))

	select {
	case err := <-sessionErr:
		if err != nil {
			logrus.Debugf("session ended: %v", err)
		}
	default:
	}
	return nil
}

// readDockerignore reads "<dir>/.dockerignore" if present; a missing
// file is not an error, it just means no excludes are applied.
func readDockerignore(dir string) []string {
	data, err := os.ReadFile(dir + "/.dockerignore")
	if err != nil {
		return nil
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}
