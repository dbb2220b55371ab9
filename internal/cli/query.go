// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/moychal/odkVaccine/executor"
	"github.com/spf13/cobra"
)

func newQueryCmd(e *env) *cobra.Command {
	var (
		sqlCommand string
		where      string
		queryArgs  []string
		orderBy    string
		direction  string
		rowID      string
		latest     bool
	)
	cmd := &cobra.Command{
		Use:   "query [table]",
		Short: "Query the local database and print the result as JSON",
		Long: "Without a table, lists the table ids. With a table, selects its rows filtered by\n" +
			"--where, or the physical rows of one logical row with --row, or runs a read-only\n" +
			"statement given with --sql.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req executor.Request
			switch {
			case len(args) == 0:
				req = executor.GetAllTableIDs{}
			case sqlCommand != "":
				req = executor.ArbitraryQuery{TableID: args[0], SQL: sqlCommand, Args: anyArgs(queryArgs)}
			case rowID != "" && latest:
				req = executor.GetMostRecentRow{TableID: args[0], RowID: rowID}
			case rowID != "":
				req = executor.GetRows{TableID: args[0], RowID: rowID}
			default:
				req = executor.UserTableQuery{
					TableID:           args[0],
					Where:             where,
					Args:              anyArgs(queryArgs),
					OrderByElementKey: orderBy,
					OrderByDirection:  direction,
				}
			}
			return e.process(cmd.Context(), req)
		},
	}
	f := cmd.Flags()
	f.StringVar(&sqlCommand, "sql", "", "read-only SQL statement; the table supplies column types")
	f.StringVar(&where, "where", "", "WHERE clause with ? placeholders")
	f.StringArrayVar(&queryArgs, "arg", nil, "bind argument, repeatable")
	f.StringVar(&orderBy, "order-by", "", "element key to order by")
	f.StringVar(&direction, "direction", "", "ASC or DESC")
	f.StringVar(&rowID, "row", "", "show the physical rows of this row id")
	f.BoolVar(&latest, "latest", false, "with --row, only the newest local version")

	cmd.AddCommand(newRowCmd(e))
	return cmd
}

// newRowCmd edits rows the way a form renderer does.
func newRowCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "row",
		Short: "Add, edit, checkpoint and delete rows",
	}
	type action struct {
		use, short string
		build      func(tableID, rowID, js string) executor.Request
	}
	actions := []action{
		{"add", "Insert a finalized row", func(t, r, js string) executor.Request {
			return executor.AddRow{TableID: t, RowID: r, JSON: js}
		}},
		{"update", "Update the finalized row", func(t, r, js string) executor.Request {
			return executor.UpdateRow{TableID: t, RowID: r, JSON: js}
		}},
		{"delete", "Delete a row", func(t, r, _ string) executor.Request {
			return executor.DeleteRow{TableID: t, RowID: r}
		}},
		{"checkpoint", "Save an unfinalized edit", func(t, r, js string) executor.Request {
			return executor.AddCheckpoint{TableID: t, RowID: r, JSON: js}
		}},
		{"save-complete", "Finalize the newest checkpoint as COMPLETE", func(t, r, js string) executor.Request {
			return executor.SaveCheckpointAsComplete{TableID: t, RowID: r, JSON: js}
		}},
		{"save-incomplete", "Finalize the newest checkpoint as INCOMPLETE", func(t, r, js string) executor.Request {
			return executor.SaveCheckpointAsIncomplete{TableID: t, RowID: r, JSON: js}
		}},
		{"discard-last", "Discard the newest checkpoint", func(t, r, _ string) executor.Request {
			return executor.DeleteLastCheckpoint{TableID: t, RowID: r}
		}},
		{"discard-all", "Discard every checkpoint", func(t, r, _ string) executor.Request {
			return executor.DeleteAllCheckpoints{TableID: t, RowID: r}
		}},
	}
	for _, a := range actions {
		cmd.AddCommand(&cobra.Command{
			Use:   a.use + " <table> <row> [json]",
			Short: a.short,
			Args:  cobra.RangeArgs(2, 3),
			RunE: func(cmd *cobra.Command, args []string) error {
				js := ""
				if len(args) == 3 {
					js = args[2]
				}
				return e.process(cmd.Context(), a.build(args[0], args[1], js))
			},
		})
	}
	return cmd
}

func (e *env) process(ctx context.Context, req executor.Request) error {
	store, err := e.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := executor.NewProcessor(store, e.logger).Process(ctx, req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

func anyArgs(args []string) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}
