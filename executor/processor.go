// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/moychal/odkVaccine/odkdata"
	"github.com/moychal/odkVaccine/odkdb"
)

// Result carries the rows touched by a request and the metadata describing them.
type Result struct {
	Data     [][]any  `json:"data"`
	Metadata Metadata `json:"metadata"`
}

// Metadata describes the table a result was read from. Only TableIDs is set
// for GetAllTableIDs.
type Metadata struct {
	TableIDs          []string        `json:"tableIds,omitempty"`
	TableID           string          `json:"tableId,omitempty"`
	SchemaETag        string          `json:"schemaETag,omitempty"`
	LastDataETag      string          `json:"lastDataETag,omitempty"`
	LastSyncTime      *time.Time      `json:"lastSyncTime,omitempty"`
	ElementKeyMap     map[string]int  `json:"elementKeyMap,omitempty"`
	DataTableModel    map[string]any  `json:"dataTableModel,omitempty"`
	KeyValueStoreList []KeyValueTyped `json:"keyValueStoreList,omitempty"`
}

// KeyValueTyped is a KVS entry whose value has been converted per its type.
// Values that do not parse are passed through as text.
type KeyValueTyped struct {
	Partition string `json:"partition"`
	Aspect    string `json:"aspect"`
	Key       string `json:"key"`
	Type      string `json:"type"`
	Value     any    `json:"value"`
}

// Processor executes requests, one store handle per request. Column
// definitions are cached per table until Invalidate is called.
type Processor struct {
	opener odkdb.Opener
	logger *slog.Logger

	mu      sync.Mutex
	columns map[string]*odkdata.OrderedColumns
}

func NewProcessor(opener odkdb.Opener, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		opener:  opener,
		logger:  logger.With("app", opener.AppName()),
		columns: make(map[string]*odkdata.OrderedColumns),
	}
}

// Invalidate drops the cached column definitions of a table.
func (p *Processor) Invalidate(tableID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.columns, tableID)
}

// Process validates and runs one request.
func (p *Processor) Process(ctx context.Context, req Request) (*Result, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	conn, err := p.opener.OpenConn(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to open database connection: %w", err)
	}
	defer conn.Close()

	res, err := p.dispatch(ctx, conn, req)
	if err != nil {
		p.logger.Debug("request failed", "request", fmt.Sprintf("%T", req), "error", err)
		return nil, err
	}
	return res, nil
}

func (p *Processor) dispatch(ctx context.Context, conn odkdb.Conn, req Request) (*Result, error) {
	switch r := req.(type) {
	case GetAllTableIDs:
		ids, err := conn.GetAllTableIDs(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Data: [][]any{}, Metadata: Metadata{TableIDs: ids}}, nil

	case ArbitraryQuery:
		if !isReadOnly(r.SQL) {
			return nil, fmt.Errorf("%w: only SELECT statements may be run as arbitrary queries", ErrInvalidRequest)
		}
		cols, err := p.orderedColumns(ctx, conn, r.TableID)
		if err != nil {
			return nil, err
		}
		names, rows, err := conn.RawQuery(ctx, r.SQL, r.Args...)
		if err != nil {
			return nil, fmt.Errorf("unable to run query against %s: %w", r.TableID, err)
		}
		return p.rawResult(ctx, conn, r.TableID, cols, names, rows)

	case UserTableQuery:
		cols, err := p.orderedColumns(ctx, conn, r.TableID)
		if err != nil {
			return nil, err
		}
		orderBy, err := orderClause(cols, r.OrderByElementKey, r.OrderByDirection)
		if err != nil {
			return nil, err
		}
		table, err := conn.Query(ctx, r.TableID, cols, odkdb.Query{
			Where:   r.Where,
			Args:    r.Args,
			GroupBy: r.GroupBy,
			Having:  r.Having,
			OrderBy: orderBy,
		})
		if err != nil {
			return nil, fmt.Errorf("unable to query %s: %w", r.TableID, err)
		}
		return p.tableResult(ctx, conn, r.TableID, cols, table)

	case GetRows:
		return p.rowResult(ctx, conn, r.TableID, r.RowID, nil)

	case GetMostRecentRow:
		cols, err := p.orderedColumns(ctx, conn, r.TableID)
		if err != nil {
			return nil, err
		}
		table, err := conn.GetMostRecentRowWithID(ctx, r.TableID, cols, r.RowID)
		if err != nil {
			return nil, fmt.Errorf("unable to get most recent row for %s._id = %s: %w", r.TableID, r.RowID, err)
		}
		return p.tableResult(ctx, conn, r.TableID, cols, table)

	case AddRow:
		return p.rowResult(ctx, conn, r.TableID, r.RowID, func(cols *odkdata.OrderedColumns) error {
			values, err := ConvertJSON(cols, r.JSON)
			if err != nil {
				return err
			}
			return conn.InsertRowWithID(ctx, r.TableID, cols, values, r.RowID)
		})

	case UpdateRow:
		return p.rowResult(ctx, conn, r.TableID, r.RowID, func(cols *odkdata.OrderedColumns) error {
			values, err := ConvertJSON(cols, r.JSON)
			if err != nil {
				return err
			}
			return conn.UpdateRowWithID(ctx, r.TableID, cols, values, r.RowID)
		})

	case DeleteRow:
		return p.rowResult(ctx, conn, r.TableID, r.RowID, func(cols *odkdata.OrderedColumns) error {
			return conn.DeleteRowWithID(ctx, r.TableID, cols, r.RowID)
		})

	case AddCheckpoint:
		return p.rowResult(ctx, conn, r.TableID, r.RowID, func(cols *odkdata.OrderedColumns) error {
			values, err := ConvertJSON(cols, r.JSON)
			if err != nil {
				return err
			}
			return conn.InsertCheckpointRowWithID(ctx, r.TableID, cols, values, r.RowID)
		})

	case SaveCheckpointAsIncomplete:
		return p.rowResult(ctx, conn, r.TableID, r.RowID, func(cols *odkdata.OrderedColumns) error {
			if err := checkpointValues(ctx, conn, r.TableID, r.RowID, cols, r.JSON); err != nil {
				return err
			}
			return conn.SaveAsIncompleteMostRecentCheckpointRowWithID(ctx, r.TableID, r.RowID)
		})

	case SaveCheckpointAsComplete:
		return p.rowResult(ctx, conn, r.TableID, r.RowID, func(cols *odkdata.OrderedColumns) error {
			if err := checkpointValues(ctx, conn, r.TableID, r.RowID, cols, r.JSON); err != nil {
				return err
			}
			return conn.SaveAsCompleteMostRecentCheckpointRowWithID(ctx, r.TableID, r.RowID)
		})

	case DeleteAllCheckpoints:
		return p.rowResult(ctx, conn, r.TableID, r.RowID, func(*odkdata.OrderedColumns) error {
			return conn.DeleteAllCheckpointRowsWithID(ctx, r.TableID, r.RowID)
		})

	case DeleteLastCheckpoint:
		return p.rowResult(ctx, conn, r.TableID, r.RowID, func(*odkdata.OrderedColumns) error {
			return conn.DeleteLastCheckpointRowWithID(ctx, r.TableID, r.RowID)
		})
	}
	return nil, fmt.Errorf("%w: unsupported request %T", ErrInvalidRequest, req)
}

// checkpointValues stores the edits carried by a save request as one more
// checkpoint so they are part of what gets finalized.
func checkpointValues(ctx context.Context, conn odkdb.Conn, tableID, rowID string, cols *odkdata.OrderedColumns, js string) error {
	values, err := ConvertJSON(cols, js)
	if err != nil || len(values) == 0 {
		return err
	}
	return conn.InsertCheckpointRowWithID(ctx, tableID, cols, values, rowID)
}

// rowResult applies mutate, when given, and returns every physical row of rowID.
func (p *Processor) rowResult(ctx context.Context, conn odkdb.Conn, tableID, rowID string, mutate func(cols *odkdata.OrderedColumns) error) (*Result, error) {
	cols, err := p.orderedColumns(ctx, conn, tableID)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		if err := mutate(cols); err != nil {
			return nil, err
		}
	}
	table, err := conn.GetRowsWithID(ctx, tableID, cols, rowID)
	if err != nil {
		return nil, fmt.Errorf("unable to get rows for %s._id = %s: %w", tableID, rowID, err)
	}
	return p.tableResult(ctx, conn, tableID, cols, table)
}

func (p *Processor) orderedColumns(ctx context.Context, conn odkdb.Conn, tableID string) (*odkdata.OrderedColumns, error) {
	p.mu.Lock()
	cols, ok := p.columns[tableID]
	p.mu.Unlock()
	if ok {
		return cols, nil
	}
	cols, err := conn.GetUserDefinedColumns(ctx, tableID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.columns[tableID] = cols
	p.mu.Unlock()
	return cols, nil
}

func (p *Processor) tableResult(ctx context.Context, conn odkdb.Conn, tableID string, cols *odkdata.OrderedColumns, table *odkdata.Table) (*Result, error) {
	res := &Result{Data: make([][]any, 0, table.Len())}
	res.Metadata.ElementKeyMap = make(map[string]int, len(table.ElementKeys))
	for i, key := range table.ElementKeys {
		res.Metadata.ElementKeyMap[key] = i
	}
	for _, row := range table.Rows {
		values := make([]any, len(table.ElementKeys))
		for i, key := range table.ElementKeys {
			values[i] = row.Get(key).Interface()
		}
		res.Data = append(res.Data, values)
	}
	if err := p.fillMetadata(ctx, conn, tableID, cols, &res.Metadata); err != nil {
		return nil, err
	}
	return res, nil
}

// rawResult types each result column by its element key when the name, less
// any table alias, is a column of the table. Other columns keep the driver's type.
func (p *Processor) rawResult(ctx context.Context, conn odkdb.Conn, tableID string, cols *odkdata.OrderedColumns, names []string, rows [][]odkdata.Value) (*Result, error) {
	res := &Result{Data: make([][]any, 0, len(rows))}
	res.Metadata.ElementKeyMap = make(map[string]int, len(names))
	types := make([]odkdata.ElementDataType, len(names))
	for i, name := range names {
		res.Metadata.ElementKeyMap[name] = i
		bare := name
		if dot := strings.LastIndex(bare, "."); dot >= 0 {
			bare = bare[dot+1:]
		}
		if bare == odkdata.ColConflictType {
			types[i] = odkdata.DataTypeInteger
		} else if def, err := cols.Find(bare); err == nil {
			types[i] = def.ElementType().DataType()
		}
	}
	for _, row := range rows {
		values := make([]any, len(row))
		for i, v := range row {
			if types[i] != "" {
				if cv, err := odkdata.CoerceValue(types[i], v); err == nil {
					v = cv
				}
			}
			values[i] = v.Interface()
		}
		res.Data = append(res.Data, values)
	}
	if err := p.fillMetadata(ctx, conn, tableID, cols, &res.Metadata); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Processor) fillMetadata(ctx context.Context, conn odkdb.Conn, tableID string, cols *odkdata.OrderedColumns, md *Metadata) error {
	entry, err := conn.GetTableDefinitionEntry(ctx, tableID)
	if err != nil {
		return err
	}
	entries, err := conn.GetTableMetadata(ctx, tableID, "", "", "")
	if err != nil {
		return err
	}

	md.TableID = tableID
	md.SchemaETag = entry.SchemaETag
	md.LastDataETag = entry.LastDataETag
	if !entry.LastSyncTime.IsZero() {
		t := entry.LastSyncTime
		md.LastSyncTime = &t
	}
	md.DataTableModel = cols.ExtendedDataModel()
	md.KeyValueStoreList = make([]KeyValueTyped, 0, len(entries))
	for _, e := range entries {
		value, err := e.TypedValue()
		if err != nil {
			p.logger.Warn("kvs value does not match its type", "table_id", tableID, "type", e.Type, "error", err)
			value = e.Value
		}
		md.KeyValueStoreList = append(md.KeyValueStoreList, KeyValueTyped{
			Partition: e.Partition,
			Aspect:    e.Aspect,
			Key:       e.Key,
			Type:      e.Type,
			Value:     value,
		})
	}
	return nil
}

// orderClause builds an ORDER BY over a known column. Unknown keys are
// rejected so the clause never carries caller text.
func orderClause(cols *odkdata.OrderedColumns, key, direction string) (string, error) {
	if key == "" {
		return "", nil
	}
	if !odkdata.IsAdminColumn(key) {
		def, err := cols.Find(key)
		if err != nil || !def.IsUnitOfRetention() {
			return "", fmt.Errorf("%w: cannot order by %s", ErrInvalidRequest, key)
		}
	}
	switch dir := strings.ToUpper(strings.TrimSpace(direction)); dir {
	case "", "ASC":
		return `"` + key + `" ASC`, nil
	case "DESC":
		return `"` + key + `" DESC`, nil
	default:
		return "", fmt.Errorf("%w: invalid order direction %q", ErrInvalidRequest, direction)
	}
}

func isReadOnly(sqlCommand string) bool {
	s := strings.ToUpper(strings.TrimSpace(sqlCommand))
	return strings.HasPrefix(s, "SELECT") || strings.HasPrefix(s, "WITH")
}
