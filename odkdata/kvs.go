// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odkdata

import (
	"fmt"
	"strconv"
	"strings"
)

// Well-known key-value store coordinates.
const (
	PartitionTable  = "Table"
	PartitionColumn = "Column"
	AspectDefault   = "default"

	KeyTableDisplayName       = "displayName"
	KeyTableInstanceName      = "instanceName"
	KeyColumnDisplayName      = "displayName"
	KeyColumnDisplayChoices   = "displayChoicesList"
	KeyColumnDisplayFormat    = "displayFormat"
	KeyColumnDisplayVisible   = "displayVisible"
	KeyTableDefaultViewType   = "defaultViewType"
	KeyTableSummaryDisplayFmt = "summaryDisplayFormat"
)

// Value types of key-value store entries.
const (
	KVSTypeString  = "string"
	KVSTypeInteger = "integer"
	KVSTypeNumber  = "number"
	KVSTypeBoolean = "boolean"
	KVSTypeArray   = "array"
	KVSTypeObject  = "object"
)

// KeyValueStoreEntry is one table- or column-level metadata tuple.
type KeyValueStoreEntry struct {
	TableID   string `json:"tableId"`
	Partition string `json:"partition"`
	Aspect    string `json:"aspect"`
	Key       string `json:"key"`
	Type      string `json:"type"`
	Value     string `json:"value"`
}

// TypedValue converts the stored text according to the entry's type.
func (e KeyValueStoreEntry) TypedValue() (any, error) {
	switch e.Type {
	case KVSTypeInteger:
		if e.Value == "" {
			return nil, nil
		}
		i, err := strconv.ParseInt(e.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("kvs %s/%s/%s: %w", e.Partition, e.Aspect, e.Key, err)
		}
		return i, nil
	case KVSTypeNumber:
		if e.Value == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(e.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("kvs %s/%s/%s: %w", e.Partition, e.Aspect, e.Key, err)
		}
		return f, nil
	case KVSTypeBoolean:
		if e.Value == "" {
			return nil, nil
		}
		switch strings.ToLower(e.Value) {
		case "1", "true":
			return true, nil
		case "0", "false":
			return false, nil
		}
		return nil, fmt.Errorf("kvs %s/%s/%s: %q is not a boolean", e.Partition, e.Aspect, e.Key, e.Value)
	}
	return e.Value, nil
}

// FindEntry returns the first entry matching the coordinates.
func FindEntry(entries []KeyValueStoreEntry, partition, aspect, key string) (KeyValueStoreEntry, bool) {
	for _, e := range entries {
		if e.Partition == partition && e.Aspect == aspect && e.Key == key {
			return e, true
		}
	}
	return KeyValueStoreEntry{}, false
}
