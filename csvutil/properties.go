// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package csvutil

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/moychal/odkVaccine/odkdata"
	"github.com/moychal/odkVaccine/odkdb"
)

const (
	colElementKey           = "_element_key"
	colElementName          = "_element_name"
	colElementType          = "_element_type"
	colListChildElementKeys = "_list_child_element_keys"

	colPartition = "_partition"
	colAspect    = "_aspect"
	colKey       = "_key"
	colType      = "_type"
	colValue     = "_value"
)

var (
	definitionHeader = []string{colElementKey, colElementName, colElementType, colListChildElementKeys}
	propertiesHeader = []string{colPartition, colAspect, colKey, colType, colValue}
)

// WriteTableProperties writes the definition and properties of a table to
// tables/<tableId>/definition.csv and tables/<tableId>/properties.csv.
func (u *Util) WriteTableProperties(ctx context.Context, tableID string) error {
	if err := validateNames(tableID, ""); err != nil {
		return err
	}
	conn, err := u.opener.OpenConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	cols, err := conn.GetUserDefinedColumns(ctx, tableID)
	if err != nil {
		return err
	}
	return u.writeTableProperties(ctx, conn, tableID, cols, tableDefinitionFile(tableID), tablePropertiesFile(tableID))
}

// UpdateTablePropertiesFromCSV creates the table described by
// tables/<tableId>/definition.csv, or verifies an existing table declares
// the same columns, and replaces its metadata with tables/<tableId>/properties.csv.
func (u *Util) UpdateTablePropertiesFromCSV(ctx context.Context, tableID string) error {
	if err := validateNames(tableID, ""); err != nil {
		return err
	}
	conn, err := u.opener.OpenConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	columns, entries, err := u.readTableProperties(ctx, conn, tableID, tableDefinitionFile(tableID), tablePropertiesFile(tableID))
	if err != nil {
		return err
	}
	if _, err := conn.CreateOrOpenTable(ctx, tableID, columns, nil); err != nil {
		return err
	}
	return conn.ReplaceTableMetadata(ctx, tableID, entries, true)
}

// writeTableProperties dumps the column descriptors and the KVS of a table.
// Choice list references are expanded to their JSON.
func (u *Util) writeTableProperties(ctx context.Context, conn odkdb.Conn, tableID string, cols *odkdata.OrderedColumns, defName, propName string) error {
	entries, err := conn.GetTableMetadata(ctx, tableID, "", "", "")
	if err != nil {
		return err
	}
	entries, err = odkdb.ExpandChoiceLists(ctx, conn, entries)
	if err != nil {
		return err
	}

	err = u.writeCSVFile(defName, func(w *csv.Writer) error {
		if err := w.Write(definitionHeader); err != nil {
			return err
		}
		for _, c := range cols.Descriptors() {
			if err := w.Write([]string{c.ElementKey, c.ElementName, c.ElementType, c.ListChildElementKeys}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return u.writeCSVFile(propName, func(w *csv.Writer) error {
		if err := w.Write(propertiesHeader); err != nil {
			return err
		}
		for _, e := range entries {
			if err := w.Write([]string{e.Partition, e.Aspect, e.Key, e.Type, e.Value}); err != nil {
				return err
			}
		}
		return nil
	})
}

// readTableProperties parses a definition file and an optional properties
// file. Inline choice lists are interned so the entries carry choice list ids.
func (u *Util) readTableProperties(ctx context.Context, conn odkdb.Conn, tableID, defName, propName string) ([]odkdata.Column, []odkdata.KeyValueStoreEntry, error) {
	var columns []odkdata.Column
	err := u.readCSVFile(defName, func(header []string, r *csv.Reader) error {
		idx, err := headerIndex(defName, header, colElementKey, colElementType)
		if err != nil {
			return err
		}
		return eachRecord(defName, r, func(record []string) error {
			columns = append(columns, odkdata.Column{
				ElementKey:           field(record, idx, colElementKey),
				ElementName:          field(record, idx, colElementName),
				ElementType:          field(record, idx, colElementType),
				ListChildElementKeys: field(record, idx, colListChildElementKeys),
			})
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}

	var entries []odkdata.KeyValueStoreEntry
	err = u.readCSVFile(propName, func(header []string, r *csv.Reader) error {
		idx, err := headerIndex(propName, header, colPartition, colAspect, colKey)
		if err != nil {
			return err
		}
		return eachRecord(propName, r, func(record []string) error {
			e := odkdata.KeyValueStoreEntry{
				TableID:   tableID,
				Partition: field(record, idx, colPartition),
				Aspect:    field(record, idx, colAspect),
				Key:       field(record, idx, colKey),
				Type:      field(record, idx, colType),
				Value:     field(record, idx, colValue),
			}
			if e.Type == "" {
				e.Type = odkdata.KVSTypeString
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil && !isMissing(err) {
		return nil, nil, err
	}

	entries, err = odkdb.InternChoiceLists(ctx, conn, entries)
	if err != nil {
		return nil, nil, err
	}
	return columns, entries, nil
}

// headerIndex maps column names to their position and checks the required
// names are present.
func headerIndex(name string, header []string, required ...string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		if _, dup := idx[h]; !dup {
			idx[h] = i
		}
	}
	for _, r := range required {
		if _, ok := idx[r]; !ok {
			return nil, fmt.Errorf("%s is missing the %s column", name, r)
		}
	}
	return idx, nil
}

func field(record []string, idx map[string]int, col string) string {
	i, ok := idx[col]
	if !ok || i >= len(record) {
		return ""
	}
	return record[i]
}

// eachRecord calls fn for every non-blank record until EOF.
func eachRecord(name string, r *csv.Reader, fn func(record []string) error) error {
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if blankRecord(record) {
			continue
		}
		if err := fn(record); err != nil {
			return err
		}
	}
}
