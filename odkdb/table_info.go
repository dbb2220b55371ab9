// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odkdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/moychal/odkVaccine/odkdata"
)

// ColumnInfo holds information about a physical column
type ColumnInfo struct {
	Name         string
	DeclaredType string
	NotNull      bool
}

// TableInfo holds cached information about a user table's physical layout
type TableInfo struct {
	Table   string
	Columns []ColumnInfo
	byName  map[string]ColumnInfo
}

// Has reports whether the physical table has the named column.
func (t *TableInfo) Has(name string) bool {
	_, ok := t.byName[name]
	return ok
}

// TableInfoProvider manages cached table information
type TableInfoProvider struct {
	cache map[string]*TableInfo
	mutex sync.RWMutex
}

// NewTableInfoProvider creates a new TableInfoProvider
func NewTableInfoProvider() *TableInfoProvider {
	return &TableInfoProvider{
		cache: make(map[string]*TableInfo),
	}
}

// Get retrieves table information, using cache when available
func (p *TableInfoProvider) Get(ctx context.Context, q queryer, tableID string) (*TableInfo, error) {
	p.mutex.RLock()
	if info, exists := p.cache[tableID]; exists {
		p.mutex.RUnlock()
		return info, nil
	}
	p.mutex.RUnlock()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	// Double-check in case another goroutine populated it
	if info, exists := p.cache[tableID]; exists {
		return info, nil
	}

	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(tableID)))
	if err != nil {
		return nil, storeErr("table info "+tableID, err)
	}
	defer rows.Close()

	info := &TableInfo{Table: tableID, byName: make(map[string]ColumnInfo)}
	for rows.Next() {
		var cid, notNull, pk int
		var name, declaredType string
		var defaultValue sql.NullString
		if err := rows.Scan(&cid, &name, &declaredType, &notNull, &defaultValue, &pk); err != nil {
			return nil, storeErr("scan column info", err)
		}
		col := ColumnInfo{Name: name, DeclaredType: declaredType, NotNull: notNull == 1}
		info.Columns = append(info.Columns, col)
		info.byName[name] = col
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate column info", err)
	}
	if len(info.Columns) == 0 {
		return nil, fmt.Errorf("%w: table %s has no physical columns", odkdata.ErrNotFound, tableID)
	}

	p.cache[tableID] = info
	return info, nil
}

// Invalidate drops one table from the cache
func (p *TableInfoProvider) Invalidate(tableID string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	delete(p.cache, tableID)
}

// ClearCache clears the table info cache
func (p *TableInfoProvider) ClearCache() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.cache = make(map[string]*TableInfo)
}

// verifyLayout checks that every admin and retained column is physically present.
func (p *TableInfoProvider) verifyLayout(ctx context.Context, q queryer, tableID string, cols *odkdata.OrderedColumns) error {
	info, err := p.Get(ctx, q, tableID)
	if err != nil {
		return err
	}
	var missing []string
	for _, name := range odkdata.AdminColumns() {
		if !info.Has(name) {
			missing = append(missing, name)
		}
	}
	for _, name := range cols.RetentionColumnNames() {
		if !info.Has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: table %s is missing columns %s", odkdata.ErrIntegrityFault, tableID, strings.Join(missing, ", "))
	}
	return nil
}

func sqlAffinity(dt odkdata.ElementDataType) string {
	switch dt {
	case odkdata.DataTypeInteger, odkdata.DataTypeBool:
		return "INTEGER"
	case odkdata.DataTypeNumber:
		return "REAL"
	}
	return "TEXT"
}
