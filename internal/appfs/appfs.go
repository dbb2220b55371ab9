// Package appfs lays out an application directory on a billy filesystem:
// app-level configuration files, per-row instance attachments and the CSV
// bundle folders.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package appfs

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

const (
	ConfigDir    = "config"
	TablesDir    = "tables"
	OutputCSVDir = "output/csv"
	AssetsCSVDir = "config/assets/csv"
)

// SafeInstanceFolder maps a row id to a directory name. Characters outside
// [A-Za-z0-9_-] become underscores.
func SafeInstanceFolder(rowID string) string {
	var b strings.Builder
	for _, r := range rowID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ErrUnsafePath is returned for file names that would leave their folder.
var ErrUnsafePath = errors.New("unsafe file path")

// JoinWithin joins a relative file name onto dir. Absolute names and names
// that climb out of dir fail with ErrUnsafePath.
func JoinWithin(dir, name string) (string, error) {
	cleaned := path.Clean(name)
	if name == "" || path.IsAbs(name) ||
		cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return path.Join(dir, cleaned), nil
}

// InstanceDir is the attachment folder of one row.
func InstanceDir(tableID, rowID string) string {
	return path.Join(TablesDir, tableID, "instances", SafeInstanceFolder(rowID))
}

// BundleInstanceDir is the attachment folder of one row inside a CSV bundle.
func BundleInstanceDir(bundle, tableID, rowID string) string {
	return path.Join(bundle, tableID, "instances", SafeInstanceFolder(rowID))
}

// MD5Hash formats a content hash the way file manifests carry it.
func MD5Hash(content []byte) string {
	sum := md5.Sum(content)
	return "md5:" + hex.EncodeToString(sum[:])
}

// ListFiles returns the regular files under dir as slash paths relative to
// dir, sorted. A missing dir yields no files.
func ListFiles(fsys billy.Filesystem, dir string) ([]string, error) {
	var out []string
	err := util.Walk(fsys, dir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, dir), "/")
		out = append(out, rel)
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// HasFiles reports whether dir holds at least one regular file.
func HasFiles(fsys billy.Filesystem, dir string) (bool, error) {
	files, err := ListFiles(fsys, dir)
	return len(files) > 0, err
}

// ReadFile reads name from fsys.
func ReadFile(fsys billy.Filesystem, name string) ([]byte, error) {
	return util.ReadFile(fsys, name)
}

// WriteFile writes content to name, creating parent folders.
func WriteFile(fsys billy.Filesystem, name string, content []byte) error {
	if err := fsys.MkdirAll(path.Dir(name), 0o755); err != nil {
		return err
	}
	return util.WriteFile(fsys, name, content, 0o644)
}

// CopyDir copies every file under src to the same relative path under dst
// and returns the number of files copied.
func CopyDir(fsys billy.Filesystem, src, dst string) (int, error) {
	files, err := ListFiles(fsys, src)
	if err != nil {
		return 0, err
	}
	for _, rel := range files {
		content, err := util.ReadFile(fsys, path.Join(src, rel))
		if err != nil {
			return 0, err
		}
		if err := WriteFile(fsys, path.Join(dst, rel), content); err != nil {
			return 0, err
		}
	}
	return len(files), nil
}
