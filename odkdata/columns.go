// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odkdata

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Column is the flat descriptor persisted for every element of a table schema.
type Column struct {
	ElementKey           string `json:"elementKey"`
	ElementName          string `json:"elementName"`
	ElementType          string `json:"elementType"`
	ListChildElementKeys string `json:"listChildElementKeys,omitempty"` // JSON array of element keys
}

// ColumnDefinition is one node of a table's column forest. Links to parent and
// children are element keys resolved through the owning OrderedColumns.
type ColumnDefinition struct {
	column         Column
	elementType    ElementType
	parent         string
	children       []string
	unitOfRetained bool
}

func (c *ColumnDefinition) ElementKey() string       { return c.column.ElementKey }
func (c *ColumnDefinition) ElementName() string      { return c.column.ElementName }
func (c *ColumnDefinition) ElementType() ElementType { return c.elementType }
func (c *ColumnDefinition) Column() Column           { return c.column }

// ParentKey returns the element key of the parent, or "" for a root.
func (c *ColumnDefinition) ParentKey() string { return c.parent }

// ChildKeys returns the element keys of the children in declaration order.
func (c *ColumnDefinition) ChildKeys() []string {
	out := make([]string, len(c.children))
	copy(out, c.children)
	return out
}

// IsUnitOfRetention reports whether the element occupies its own physical column.
func (c *ColumnDefinition) IsUnitOfRetention() bool { return c.unitOfRetained }

// OrderedColumns is the immutable, validated column forest of one table,
// sorted by element key.
type OrderedColumns struct {
	appName string
	tableID string
	defs    []*ColumnDefinition
}

// BuildColumnDefinitions validates the descriptors and assembles the column forest.
func BuildColumnDefinitions(appName, tableID string, columns []Column) (*OrderedColumns, error) {
	if appName == "" {
		return nil, fmt.Errorf("%w: appName cannot be empty", ErrInvalidSchema)
	}
	if tableID == "" {
		return nil, fmt.Errorf("%w: tableId cannot be empty", ErrInvalidSchema)
	}

	byKey := make(map[string]*ColumnDefinition, len(columns))
	declared := make(map[string][]string)
	for _, col := range columns {
		if !IsValidUserDefinedDatabaseName(col.ElementKey) {
			return nil, fmt.Errorf("%w: invalid user-defined column name: %s", ErrInvalidSchema, col.ElementKey)
		}
		if _, dup := byKey[col.ElementKey]; dup {
			return nil, fmt.Errorf("%w: duplicate element key: %s", ErrInvalidSchema, col.ElementKey)
		}
		var childKeys []string
		if s := strings.TrimSpace(col.ListChildElementKeys); s != "" && s != "null" {
			if err := json.Unmarshal([]byte(s), &childKeys); err != nil {
				return nil, fmt.Errorf("%w: invalid list of children for %s: %s", ErrInvalidSchema, col.ElementKey, s)
			}
		}
		if col.ElementName == "" {
			col.ElementName = col.ElementKey
		}
		byKey[col.ElementKey] = &ColumnDefinition{
			column:      col,
			elementType: ParseElementType(col.ElementType, len(childKeys) > 0),
		}
		if len(childKeys) > 0 {
			declared[col.ElementKey] = childKeys
		}
	}

	for _, col := range columns {
		parent := byKey[col.ElementKey]
		for _, childKey := range declared[col.ElementKey] {
			child, ok := byKey[childKey]
			if !ok {
				return nil, fmt.Errorf("%w: child element key %s was never defined but referenced in %s",
					ErrInvalidSchema, childKey, parent.ElementKey())
			}
			if child.parent != "" {
				return nil, fmt.Errorf("%w: element %s is a child of both %s and %s",
					ErrInvalidSchema, childKey, child.parent, parent.ElementKey())
			}
			if want := parent.ElementKey() + "_" + child.ElementName(); want != child.ElementKey() {
				return nil, fmt.Errorf("%w: child element key %s does not match expected %s",
					ErrInvalidSchema, child.ElementKey(), want)
			}
			child.parent = parent.ElementKey()
			parent.children = append(parent.children, childKey)
		}
	}

	for _, def := range byKey {
		if def.elementType.DataType() == DataTypeArray && len(def.children) != 1 {
			return nil, fmt.Errorf("%w: array column %s must have exactly one child, has %d",
				ErrInvalidSchema, def.ElementKey(), len(def.children))
		}
	}

	defs := make([]*ColumnDefinition, 0, len(byKey))
	for _, def := range byKey {
		def.unitOfRetained = true
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ElementKey() < defs[j].ElementKey() })

	oc := &OrderedColumns{appName: appName, tableID: tableID, defs: defs}
	oc.markUnitOfRetention(byKey)
	return oc, nil
}

// markUnitOfRetention runs the two-pass sweep: everything beneath an array is
// folded into the array's JSON value, then any remaining container with
// children is folded into its descendants' columns.
func (oc *OrderedColumns) markUnitOfRetention(byKey map[string]*ColumnDefinition) {
	var clearBelow func(def *ColumnDefinition)
	clearBelow = func(def *ColumnDefinition) {
		for _, k := range def.children {
			child := byKey[k]
			child.unitOfRetained = false
			clearBelow(child)
		}
	}
	for _, def := range oc.defs {
		if def.elementType.DataType() == DataTypeArray {
			clearBelow(def)
		}
	}
	for _, def := range oc.defs {
		if def.elementType.DataType() != DataTypeArray && len(def.children) > 0 {
			def.unitOfRetained = false
		}
	}
}

func (oc *OrderedColumns) AppName() string { return oc.appName }
func (oc *OrderedColumns) TableID() string { return oc.tableID }
func (oc *OrderedColumns) Len() int        { return len(oc.defs) }

// Columns returns the definitions in element key order.
func (oc *OrderedColumns) Columns() []*ColumnDefinition {
	out := make([]*ColumnDefinition, len(oc.defs))
	copy(out, oc.defs)
	return out
}

// Find locates a definition by element key using binary search.
func (oc *OrderedColumns) Find(elementKey string) (*ColumnDefinition, error) {
	i := sort.Search(len(oc.defs), func(i int) bool { return oc.defs[i].ElementKey() >= elementKey })
	if i < len(oc.defs) && oc.defs[i].ElementKey() == elementKey {
		return oc.defs[i], nil
	}
	return nil, fmt.Errorf("%w: could not find elementKey in columns list: %s", ErrNotFound, elementKey)
}

// RetentionColumnNames lists the element keys that occupy physical columns.
func (oc *OrderedColumns) RetentionColumnNames() []string {
	var out []string
	for _, def := range oc.defs {
		if def.unitOfRetained {
			out = append(out, def.ElementKey())
		}
	}
	return out
}

// Descriptors returns the flat column descriptors in element key order.
func (oc *OrderedColumns) Descriptors() []Column {
	out := make([]Column, len(oc.defs))
	for i, def := range oc.defs {
		out[i] = def.column
	}
	return out
}

// SameShape reports whether two forests declare identical columns.
func (oc *OrderedColumns) SameShape(other *OrderedColumns) bool {
	if other == nil || len(oc.defs) != len(other.defs) {
		return false
	}
	for i := range oc.defs {
		a, b := oc.defs[i], other.defs[i]
		if a.ElementKey() != b.ElementKey() || a.ElementName() != b.ElementName() ||
			a.elementType.String() != b.elementType.String() ||
			strings.Join(a.children, ",") != strings.Join(b.children, ",") {
			return false
		}
	}
	return true
}
