// content_hash.go: Recursive modification-time digest for extension folders
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocms

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sort"
)

// DirectoryContentHash computes a digest over the recursive modification
// timestamps of every file under root, skipping any directory whose name
// appears in skipDirs (dependency folders, typically). Any file addition,
// removal, rename, or modification anywhere in the remaining tree changes
// the hash.
//
// The digest deliberately hashes metadata rather than file contents: the
// loader recomputes it on every request, and reading whole extension trees
// per request would defeat the point of the cache.
func DirectoryContentHash(root string, skipDirs []string) (string, error) {
	skip := make(map[string]struct{}, len(skipDirs))
	for _, name := range skipDirs {
		skip[name] = struct{}{}
	}

	digest := sha256.New()
	if err := hashDirectory(digest, root, skip); err != nil {
		return "", NewContentHashError(root, err)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

// hashDirectory walks one directory level in sorted name order, recursing
// into subdirectories first so nested changes surface in parent digests.
func hashDirectory(digest hash.Hash, dir string, skip map[string]struct{}) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(dir, name)
		if entry.IsDir() {
			if _, skipped := skip[name]; skipped {
				continue
			}
			if err := hashDirectory(digest, path, skip); err != nil {
				return err
			}
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		fmt.Fprintf(digest, "%s|%d|%d\n", name, info.ModTime().UnixNano(), info.Size())
	}
	// Mark the directory boundary so moving a file between siblings
	// changes the digest.
	fmt.Fprintf(digest, "dir:%s\n", filepath.Base(dir))
	return nil
}
