// content_hash_test.go: Tests for the recursive content digest
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocms

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// TestDirectoryContentHash_Stable verifies repeated hashing of an
// untouched tree yields the same digest.
func TestDirectoryContentHash_Stable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "extension.lua"), "-- entry")
	writeFile(t, filepath.Join(dir, "lib", "util.lua"), "-- util")

	first, err := DirectoryContentHash(dir, nil)
	require.NoError(t, err)
	second, err := DirectoryContentHash(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// TestDirectoryContentHash_MtimeChange verifies touching any file changes
// the digest, including files in nested directories.
func TestDirectoryContentHash_MtimeChange(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "lib", "util.lua")
	writeFile(t, filepath.Join(dir, "extension.lua"), "-- entry")
	writeFile(t, nested, "-- util")

	before, err := DirectoryContentHash(dir, nil)
	require.NoError(t, err)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(nested, later, later))

	after, err := DirectoryContentHash(dir, nil)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

// TestDirectoryContentHash_AddRemoveRename verifies structural changes
// change the digest.
func TestDirectoryContentHash_AddRemoveRename(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.lua"), "a")

	base, err := DirectoryContentHash(dir, nil)
	require.NoError(t, err)

	writeFile(t, filepath.Join(dir, "b.lua"), "b")
	added, err := DirectoryContentHash(dir, nil)
	require.NoError(t, err)
	assert.NotEqual(t, base, added)

	require.NoError(t, os.Rename(filepath.Join(dir, "b.lua"), filepath.Join(dir, "c.lua")))
	renamed, err := DirectoryContentHash(dir, nil)
	require.NoError(t, err)
	assert.NotEqual(t, added, renamed)

	require.NoError(t, os.Remove(filepath.Join(dir, "c.lua")))
	removed, err := DirectoryContentHash(dir, nil)
	require.NoError(t, err)
	assert.NotEqual(t, renamed, removed)
}

// TestDirectoryContentHash_SkipsDependencyDirs verifies changes inside a
// skipped directory never affect the digest.
func TestDirectoryContentHash_SkipsDependencyDirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "extension.lua"), "-- entry")
	writeFile(t, filepath.Join(dir, "vendor", "dep.lua"), "v1")

	before, err := DirectoryContentHash(dir, []string{"vendor"})
	require.NoError(t, err)

	writeFile(t, filepath.Join(dir, "vendor", "dep.lua"), "v2 changed")
	writeFile(t, filepath.Join(dir, "vendor", "extra.lua"), "new file")

	after, err := DirectoryContentHash(dir, []string{"vendor"})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// TestDirectoryContentHash_MissingRoot verifies a missing directory is an
// error.
func TestDirectoryContentHash_MissingRoot(t *testing.T) {
	_, err := DirectoryContentHash(filepath.Join(t.TempDir(), "absent"), nil)
	require.Error(t, err)
}
