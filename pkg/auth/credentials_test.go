// Copyright (C) 2020 VMware, Inc.
// SPDX-License-Identifier: Apache-2.0
package auth

import (
	"context"
	"testing"

	bkauth "github.com/moby/buildkit/session/auth"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCredentialsReturnsMatchingHost(t *testing.T) {
	p := NewCredentialProvider(map[string]Credential{
		"registry.example.com": {Username: "alice", Secret: "hunter2"},
	})

	resp, err := p.Credentials(context.Background(), &bkauth.CredentialsRequest{Host: "registry.example.com"})
	require.NoError(t, err)
	require.Equal(t, "alice", resp.Username)
	require.Equal(t, "hunter2", resp.Secret)
}

func TestCredentialsTranslatesDockerHubHost(t *testing.T) {
	p := NewCredentialProvider(map[string]Credential{
		dockerHubIndex: {Username: "bob", Secret: "s3cr3t"},
	})

	resp, err := p.Credentials(context.Background(), &bkauth.CredentialsRequest{Host: dockerHubHost})
	require.NoError(t, err)
	require.Equal(t, "bob", resp.Username)
}

func TestCredentialsMissUnresponsiveButNotError(t *testing.T) {
	p := NewCredentialProvider(nil)

	resp, err := p.Credentials(context.Background(), &bkauth.CredentialsRequest{Host: "unknown.example.com"})
	require.NoError(t, err)
	require.Empty(t, resp.Username)
	require.Empty(t, resp.Secret)
}

func TestCredentialsPrefersIdentityToken(t *testing.T) {
	p := NewCredentialProvider(map[string]Credential{
		"registry.example.com": {Username: "alice", Secret: "hunter2", IdentityToken: "tok-123"},
	})

	resp, err := p.Credentials(context.Background(), &bkauth.CredentialsRequest{Host: "registry.example.com"})
	require.NoError(t, err)
	require.Empty(t, resp.Username)
	require.Equal(t, "tok-123", resp.Secret)
}

func TestFetchTokenReturnsEmptyTokenNotUnimplemented(t *testing.T) {
	p := NewCredentialProvider(nil)

	resp, err := p.FetchToken(context.Background(), &bkauth.FetchTokenRequest{})
	require.NoError(t, err)
	require.Empty(t, resp.Token)
}

func TestTokenAuthorityMethodsAreUnimplemented(t *testing.T) {
	p := NewCredentialProvider(nil)

	_, err := p.GetTokenAuthority(context.Background(), &bkauth.GetTokenAuthorityRequest{})
	require.Equal(t, codes.Unimplemented, status.Code(err))

	_, err = p.VerifyTokenAuthority(context.Background(), &bkauth.VerifyTokenAuthorityRequest{})
	require.Equal(t, codes.Unimplemented, status.Code(err))
}
