// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"

	"github.com/moychal/odkVaccine/csvutil"
	"github.com/spf13/cobra"
)

// csvListener reports CSV progress through the command's logger.
type csvListener struct {
	e  *env
	ok bool
}

func (l *csvListener) ExportComplete(ok bool) { l.ok = ok }
func (l *csvListener) ImportComplete(ok bool) { l.ok = ok }

func (l *csvListener) UpdateProgressDetail(detail string) {
	l.e.logger.Info("Import progress", "detail", detail)
}

func newExportCmd(e *env) *cobra.Command {
	var qualifier string
	cmd := &cobra.Command{
		Use:   "export [table...]",
		Short: "Export tables to output/csv",
		Long:  "Export the data, definition and properties of the given tables, or of every table\nwhen none is named, to output/csv under the app directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := e.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			util := csvutil.New(store, e.appFS(), e.logger)
			l := &csvListener{e: e}
			if len(args) == 0 {
				if err := util.ExportAllTables(cmd.Context(), l); err != nil {
					return err
				}
				fmt.Fprintln(e.out, "exported all tables")
				return nil
			}
			for _, tableID := range args {
				if err := util.ExportSeparable(cmd.Context(), l, tableID, qualifier); err != nil {
					return fmt.Errorf("export %s: %w", tableID, err)
				}
				fmt.Fprintf(e.out, "exported %s\n", tableID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&qualifier, "qualifier", "", "file name qualifier: <table>.<qualifier>.csv")
	return cmd
}

func newImportCmd(e *env) *cobra.Command {
	var (
		qualifier string
		create    bool
	)
	cmd := &cobra.Command{
		Use:   "import <table>",
		Short: "Import rows from config/assets/csv",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := e.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			util := csvutil.New(store, e.appFS(), e.logger)
			if err := util.ImportSeparable(cmd.Context(), &csvListener{e: e}, args[0], qualifier, create); err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}
			fmt.Fprintf(e.out, "imported %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&qualifier, "qualifier", "", "file name qualifier: <table>.<qualifier>.csv")
	cmd.Flags().BoolVar(&create, "create", false, "create the table from its definition when it does not exist")
	return cmd
}

func newPropertiesCmd(e *env) *cobra.Command {
	var load bool
	cmd := &cobra.Command{
		Use:   "properties <table>",
		Short: "Write tables/<table>/definition.csv and properties.csv, or load them with --load",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := e.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			util := csvutil.New(store, e.appFS(), e.logger)
			if load {
				if err := util.UpdateTablePropertiesFromCSV(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(e.out, "loaded properties of %s\n", args[0])
				return nil
			}
			if err := util.WriteTableProperties(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(e.out, "wrote properties of %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&load, "load", false, "replace the table's definition and properties with the CSV files")
	return cmd
}
