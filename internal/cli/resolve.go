// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/moychal/odkVaccine/odkdb"
	"github.com/moychal/odkVaccine/resolve"
	"github.com/spf13/cobra"
)

func newResolveCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "List and resolve checkpoints and sync conflicts",
	}
	cmd.AddCommand(newResolveCheckpointsCmd(e), newResolveConflictsCmd(e), newResolveDiffCmd(e))
	return cmd
}

func newResolveCheckpointsCmd(e *env) *cobra.Command {
	var takeNewest, takeOldest bool
	cmd := &cobra.Command{
		Use:   "checkpoints <table> [row...]",
		Short: "List rows with checkpoints, or resolve them with --take-newest or --take-oldest",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if takeNewest && takeOldest {
				return errors.New("--take-newest and --take-oldest are mutually exclusive")
			}
			return e.withEngine(func(_ *odkdb.SQLiteStore, engine *resolve.Engine) error {
				ctx, tableID := cmd.Context(), args[0]
				entries, err := engine.ListCheckpointRows(ctx, tableID, false)
				if err != nil {
					return err
				}
				if !takeNewest && !takeOldest {
					e.printEntries(entries)
					return nil
				}
				return e.reportBatch(engine.ResolveAllCheckpoints(ctx, tableID, selectRows(entries, args[1:]), takeNewest, e.progress))
			})
		},
	}
	cmd.Flags().BoolVar(&takeNewest, "take-newest", false, "save the newest checkpoint of each row as complete")
	cmd.Flags().BoolVar(&takeOldest, "take-oldest", false, "discard the checkpoints, keeping the last saved version")
	return cmd
}

func newResolveConflictsCmd(e *env) *cobra.Command {
	var (
		takeLocal, takeServer bool
		merge                 []string
	)
	cmd := &cobra.Command{
		Use:   "conflicts <table> [row...]",
		Short: "List conflicting rows, or resolve them with --take-local, --take-server or --merge",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modes := 0
			for _, set := range []bool{takeLocal, takeServer, len(merge) > 0} {
				if set {
					modes++
				}
			}
			if modes > 1 {
				return errors.New("--take-local, --take-server and --merge are mutually exclusive")
			}
			return e.withEngine(func(_ *odkdb.SQLiteStore, engine *resolve.Engine) error {
				ctx, tableID := cmd.Context(), args[0]
				entries, err := engine.ListConflictRows(ctx, tableID)
				if err != nil {
					return err
				}
				switch {
				case len(merge) > 0:
					return e.mergeRows(ctx, engine, tableID, args[1:], merge)
				case takeLocal || takeServer:
					return e.reportBatch(engine.ResolveAllConflicts(ctx, tableID, selectRows(entries, args[1:]), takeLocal, e.progress))
				}
				e.printEntries(entries)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&takeLocal, "take-local", false, "keep this device's version of each row")
	cmd.Flags().BoolVar(&takeServer, "take-server", false, "keep the server's version of each row")
	cmd.Flags().StringSliceVar(&merge, "merge", nil, "per-column choices as column=local|server; applies to the named rows")
	return cmd
}

func newResolveDiffCmd(e *env) *cobra.Command {
	var checkpoint bool
	cmd := &cobra.Command{
		Use:   "diff <table> <row>",
		Short: "Show the column-by-column differences of a conflicting or checkpointed row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withEngine(func(store *odkdb.SQLiteStore, engine *resolve.Engine) error {
				conn, err := store.OpenConn(cmd.Context())
				if err != nil {
					return err
				}
				defer conn.Close()

				var diff *resolve.ResolveActionList
				if checkpoint {
					diff, err = engine.CheckpointFieldDiff(cmd.Context(), conn, args[0], args[1])
				} else {
					diff, err = engine.ConflictFieldDiff(cmd.Context(), conn, args[0], args[1])
				}
				if err != nil {
					return err
				}
				if diff == nil {
					fmt.Fprintln(e.out, "nothing to resolve")
					return nil
				}
				for _, c := range diff.Conflicts {
					fmt.Fprintf(e.out, "! %-24s local=%q server=%q\n", c.DisplayName, c.LocalDisplay, c.ServerDisplay)
				}
				for _, c := range diff.Concordant {
					fmt.Fprintf(e.out, "  %-24s %q\n", c.DisplayName, c.DisplayValue)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&checkpoint, "checkpoint", false, "compare the checkpoint chain instead of a conflict pair")
	return cmd
}

func (e *env) withEngine(fn func(store *odkdb.SQLiteStore, engine *resolve.Engine) error) error {
	store, err := e.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store, resolve.NewEngine(store, e.logger))
}

func (e *env) progress(message string) {
	e.logger.Debug("Resolve progress", "message", message)
}

func (e *env) printEntries(entries []resolve.ResolveRowEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(e.out, "no rows to resolve")
		return
	}
	for _, entry := range entries {
		fmt.Fprintf(e.out, "%s\t%s\n", entry.RowID, entry.Label)
	}
}

// reportBatch prints the per-row failures of a batch and fails when there were any.
func (e *env) reportBatch(failures string, err error) error {
	if err != nil {
		return err
	}
	if failures != "" {
		fmt.Fprintln(e.out, failures)
		return errors.New("some rows could not be resolved")
	}
	fmt.Fprintln(e.out, "resolved")
	return nil
}

func (e *env) mergeRows(ctx context.Context, engine *resolve.Engine, tableID string, rowIDs, pairs []string) error {
	if len(rowIDs) == 0 {
		return errors.New("--merge needs at least one row id")
	}
	choices, err := parseMerge(pairs)
	if err != nil {
		return err
	}
	for _, rowID := range rowIDs {
		if err := engine.ResolveConflict(ctx, tableID, rowID, resolve.Merge(choices)); err != nil {
			return fmt.Errorf("row %s: %w", rowID, err)
		}
	}
	fmt.Fprintln(e.out, "resolved")
	return nil
}

func parseMerge(pairs []string) (map[string]resolve.Side, error) {
	choices := make(map[string]resolve.Side, len(pairs))
	for _, item := range pairs {
		key, side, ok := strings.Cut(item, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid merge choice %q, want column=local|server", item)
		}
		switch strings.ToLower(side) {
		case "local":
			choices[key] = resolve.SideLocal
		case "server":
			choices[key] = resolve.SideServer
		default:
			return nil, fmt.Errorf("invalid merge side %q for %s", side, key)
		}
	}
	return choices, nil
}

// selectRows keeps the entries named in rowIDs, or all of them when none are named.
func selectRows(entries []resolve.ResolveRowEntry, rowIDs []string) []resolve.ResolveRowEntry {
	if len(rowIDs) == 0 {
		return entries
	}
	want := make(map[string]bool, len(rowIDs))
	for _, id := range rowIDs {
		want[id] = true
	}
	out := entries[:0:0]
	for _, entry := range entries {
		if want[entry.RowID] {
			out = append(out, entry)
		}
	}
	return out
}
