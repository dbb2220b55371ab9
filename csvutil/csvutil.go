// Package csvutil moves user tables between the local store and CSV bundles on
// the application filesystem. A bundle holds three files per table: the data
// rows, the column definition and the key-value store properties, plus the
// attachment folders of the exported rows.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package csvutil

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"github.com/moychal/odkVaccine/internal/appfs"
	"github.com/moychal/odkVaccine/odkdata"
	"github.com/moychal/odkVaccine/odkdb"
)

// ExportListener is told when an export finishes.
type ExportListener interface {
	ExportComplete(ok bool)
}

// ImportListener receives progress while rows are imported.
type ImportListener interface {
	UpdateProgressDetail(detail string)
	ImportComplete(ok bool)
}

// Util imports and exports the tables of one application.
type Util struct {
	opener odkdb.Opener
	fs     billy.Filesystem
	logger *slog.Logger

	now   func() time.Time
	newID func() string
}

// New creates a Util over the application's store and filesystem.
func New(opener odkdb.Opener, fs billy.Filesystem, logger *slog.Logger) *Util {
	if logger == nil {
		logger = slog.Default()
	}
	return &Util{
		opener: opener,
		fs:     fs,
		logger: logger.With("app", opener.AppName()),
		now:    time.Now,
		newID:  func() string { return "uuid:" + uuid.NewString() },
	}
}

func baseName(tableID, qualifier string) string {
	if qualifier == "" {
		return tableID
	}
	return tableID + "." + qualifier
}

func dataFile(dir, tableID, qualifier string) string {
	return path.Join(dir, baseName(tableID, qualifier)+".csv")
}

func definitionFile(dir, tableID, qualifier string) string {
	return path.Join(dir, baseName(tableID, qualifier)+".definition.csv")
}

func propertiesFile(dir, tableID, qualifier string) string {
	return path.Join(dir, baseName(tableID, qualifier)+".properties.csv")
}

// tableDefinitionFile and tablePropertiesFile are the copies kept next to
// the table's instances.
func tableDefinitionFile(tableID string) string {
	return path.Join(appfs.TablesDir, tableID, "definition.csv")
}

func tablePropertiesFile(tableID string) string {
	return path.Join(appfs.TablesDir, tableID, "properties.csv")
}

func validateNames(tableID, qualifier string) error {
	if !odkdata.IsValidUserDefinedDatabaseName(tableID) {
		return fmt.Errorf("invalid table id %q", tableID)
	}
	if strings.ContainsAny(qualifier, `/\`) || strings.Contains(qualifier, "..") {
		return fmt.Errorf("invalid file qualifier %q", qualifier)
	}
	return nil
}

// writeCSVFile creates name, replacing any previous content, and hands fn a
// writer over it.
func (u *Util) writeCSVFile(name string, fn func(w *csv.Writer) error) (err error) {
	if err := u.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return fmt.Errorf("create folder for %s: %w", name, err)
	}
	f, err := u.fs.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", name, cerr)
		}
	}()

	w := csv.NewWriter(f)
	w.UseCRLF = true
	if err := fn(w); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// readCSVFile opens name and hands fn its header row and a reader positioned
// on the first record. A missing file is reported wrapping os.ErrNotExist.
func (u *Util) readCSVFile(name string, fn func(header []string, r *csv.Reader) error) error {
	f, err := u.fs.Open(name)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%s has no header row", name)
	}
	if err != nil {
		return fmt.Errorf("read header of %s: %w", name, err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	return fn(header, r)
}

func isMissing(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// blankRecord reports whether every field of the record is empty.
func blankRecord(record []string) bool {
	for _, f := range record {
		if f != "" {
			return false
		}
	}
	return true
}
