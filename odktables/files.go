// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odktables

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/moychal/odkVaccine/internal/appfs"
)

// MD5Hash formats a content hash the way manifests carry it.
func MD5Hash(content []byte) string {
	return appfs.MD5Hash(content)
}

// manifestETag summarizes a manifest so clients can skip unchanged ones.
func manifestETag(m *FileManifest) string {
	if m == nil || len(m.Files) == 0 {
		return ""
	}
	h := md5.New()
	for _, f := range m.Files {
		fmt.Fprintf(h, "%s|%s|%d\n", f.Filename, f.MD5Hash, f.ContentLength)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// cleanFilename rejects absolute paths and parent references.
func cleanFilename(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("invalid filename %q", name)
	}
	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid filename %q", name)
	}
	return cleaned, nil
}

// FileManifest lists the app-level files (empty tableID and rowID) or the
// attachments of one row, ordered by filename.
func (s *SyncService) FileManifest(ctx context.Context, appName, tableID, rowID string) (*FileManifest, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT filename, md5_hash, octet_length(content) FROM odk.files
		WHERE app_name = $1 AND table_id = $2 AND row_id = $3
		ORDER BY filename`, appName, tableID, rowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	m := &FileManifest{Files: []FileEntry{}}
	for rows.Next() {
		var fe FileEntry
		if err := rows.Scan(&fe.Filename, &fe.MD5Hash, &fe.ContentLength); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		m.Files = append(m.Files, fe)
	}
	return m, rows.Err()
}

// GetFile returns a stored file's content.
func (s *SyncService) GetFile(ctx context.Context, appName, tableID, rowID, filename string) ([]byte, *FileEntry, error) {
	if err := s.checkClosed(); err != nil {
		return nil, nil, err
	}
	name, err := cleanFilename(filename)
	if err != nil {
		return nil, nil, err
	}
	var content []byte
	fe := &FileEntry{Filename: name}
	err = s.pool.QueryRow(ctx, `
		SELECT md5_hash, content FROM odk.files
		WHERE app_name = $1 AND table_id = $2 AND row_id = $3 AND filename = $4`,
		appName, tableID, rowID, name).Scan(&fe.MD5Hash, &content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read file %s: %w", name, err)
	}
	fe.ContentLength = int64(len(content))
	return content, fe, nil
}

// PutFile stores or replaces a file. Row attachments require the table to exist.
func (s *SyncService) PutFile(ctx context.Context, appName, tableID, rowID, filename string, content []byte) (*FileEntry, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	name, err := cleanFilename(filename)
	if err != nil {
		return nil, err
	}
	fe := &FileEntry{Filename: name, MD5Hash: MD5Hash(content), ContentLength: int64(len(content))}
	clock := s.startStage(MetricsOpFiles, MetricsStageTotal, appName, tableID)
	err = s.inTx(ctx, "put_file", func(tx pgx.Tx) error {
		if tableID != "" {
			if _, err := loadDefinition(ctx, tx, appName, tableID, false); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO odk.files (app_name, table_id, row_id, filename, md5_hash, content, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (app_name, table_id, row_id, filename) DO UPDATE SET
				md5_hash = EXCLUDED.md5_hash, content = EXCLUDED.content, updated_at = now()`,
			appName, tableID, rowID, name, fe.MD5Hash, content)
		if err != nil {
			return fmt.Errorf("failed to store file %s: %w", name, err)
		}
		return nil
	})
	s.observe(ctx, clock, err)
	if err != nil {
		return nil, err
	}
	return fe, nil
}
