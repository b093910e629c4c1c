// Copyright (C) 2020 VMware, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth implements the session-side handler for BuildKit's Auth
// service: registry credential lookup. The health-check service is not
// part of this package. Token-authority signing is not supported by
// this client and is reported as unimplemented, mirroring how real
// BuildKit clients that never configured OIDC respond.
package auth

import (
	"context"

	"github.com/moby/buildkit/session/auth"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// dockerHubHost is the canonical index host the daemon asks about for
// Docker Hub image references, translated to the key docker uses in its
// own on-disk credential stores.
const dockerHubHost = "registry-1.docker.io"
const dockerHubIndex = "https://index.docker.io/v1/"

// Credential is a single host's registry login.
type Credential struct {
	Username string
	Secret   string
	// IdentityToken, when set, is returned instead of Username/Secret -
	// it takes precedence exactly as docker's own credential stores do.
	IdentityToken string
}

// CredentialProvider answers Credentials RPCs from a fixed, host-keyed
// table. It holds no other state: there is no live secret store to
// refresh mid-session, unlike the Kubernetes-secret-backed provider this
// package's handler is adapted from.
type CredentialProvider struct {
	creds map[string]Credential
}

// NewCredentialProvider returns a CredentialProvider keyed by registry
// hostname, as it would be parsed out of docker's config.json auths map.
func NewCredentialProvider(creds map[string]Credential) *CredentialProvider {
	return &CredentialProvider{creds: creds}
}

// Register exposes Auth on server, satisfying session.Attachable.
func (p *CredentialProvider) Register(server *grpc.Server) {
	auth.RegisterAuthServer(server, p)
}

// Credentials looks up req.Host, special-casing Docker Hub's index host
// the way docker's credential stores do. A miss is not an error - it
// returns empty credentials so the daemon falls back to anonymous pulls.
func (p *CredentialProvider) Credentials(ctx context.Context, req *auth.CredentialsRequest) (*auth.CredentialsResponse, error) {
	host := req.Host
	if host == dockerHubHost {
		host = dockerHubIndex
	}

	c, ok := p.creds[host]
	if !ok {
		logrus.Debugf("no credentials registered for %s, proceeding anonymously", req.Host)
		return &auth.CredentialsResponse{}, nil
	}

	res := &auth.CredentialsResponse{}
	if c.IdentityToken != "" {
		res.Secret = c.IdentityToken
	} else {
		res.Username = c.Username
		res.Secret = c.Secret
	}
	return res, nil
}

// FetchToken always succeeds with an empty token: this client never
// registers an OAuth token source, so the daemon falls back to basic
// auth via Credentials instead of treating the call as unsupported.
func (p *CredentialProvider) FetchToken(ctx context.Context, req *auth.FetchTokenRequest) (*auth.FetchTokenResponse, error) {
	return &auth.FetchTokenResponse{}, nil
}

// GetTokenAuthority is not implemented: OIDC token-authority signing
// requires a private key this client never holds.
func (p *CredentialProvider) GetTokenAuthority(ctx context.Context, req *auth.GetTokenAuthorityRequest) (*auth.GetTokenAuthorityResponse, error) {
	return nil, status.Error(codes.Unimplemented, "GetTokenAuthority is not implemented")
}

// VerifyTokenAuthority is not implemented for the same reason as
// GetTokenAuthority - there is no authority key to verify against.
func (p *CredentialProvider) VerifyTokenAuthority(ctx context.Context, req *auth.VerifyTokenAuthorityRequest) (*auth.VerifyTokenAuthorityResponse, error) {
	return nil, status.Error(codes.Unimplemented, "VerifyTokenAuthority is not implemented")
}
