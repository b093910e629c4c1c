// Copyright (C) 2020 VMware, Inc.
// SPDX-License-Identifier: Apache-2.0
package filesync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatForRegularFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o640))

	info, err := os.Lstat(path)
	require.NoError(t, err)

	st, err := statFor("f.txt", path, info)
	require.NoError(t, err)
	require.Equal(t, "f.txt", st.Path)
	require.Equal(t, int64(5), st.Size)
	require.Equal(t, modeReg|uint32(0o640), st.Mode)
}

func TestStatForDirectory(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "d")
	require.NoError(t, os.Mkdir(path, 0o755))

	info, err := os.Lstat(path)
	require.NoError(t, err)

	st, err := statFor("d", path, info)
	require.NoError(t, err)
	require.Equal(t, modeDir|uint32(0o755), st.Mode)
	require.Zero(t, st.Size)
}

func TestStatForSymlink(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "target")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(target, link))

	info, err := os.Lstat(link)
	require.NoError(t, err)

	st, err := statFor("link", link, info)
	require.NoError(t, err)
	require.Equal(t, modeLink, st.Mode&^0o777)
	require.Equal(t, target, st.Linkname)
}

func TestIsRegular(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	info, err := os.Lstat(path)
	require.NoError(t, err)
	require.True(t, isRegular(info))

	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0o755))
	dinfo, err := os.Lstat(filepath.Join(root, "d"))
	require.NoError(t, err)
	require.False(t, isRegular(dinfo))
}
